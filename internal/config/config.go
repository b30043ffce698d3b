// Package config resolves scheduler and supervisor tuning from an optional
// YAML file plus STREAMCAST_* environment overrides. Connection settings
// (datastore, Redis, listen address) stay on the command line.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"streamcast/internal/backup"
	"streamcast/internal/recurrence"
	"streamcast/internal/scheduler"
	"streamcast/internal/supervisor"
)

// Config carries the tunables shared by the scheduler workers and the
// process supervisor.
type Config struct {
	PollInterval         time.Duration
	Lookahead            time.Duration
	ImmediateSlack       time.Duration
	MissedGrace          time.Duration
	DurationScanInterval time.Duration
	MaterializeInterval  time.Duration
	Timezone             string
	BackupRetention      int
	TrashTTL             time.Duration
	TrashPurgeInterval   time.Duration
	FFmpegBinary         string
	StopTimeout          time.Duration
	LogLines             int
}

// Defaults returns a Config populated with the package defaults used when
// neither the file nor the environment overrides a value.
func Defaults() Config {
	return Config{
		PollInterval:         scheduler.DefaultPollInterval,
		Lookahead:            scheduler.DefaultLookahead,
		ImmediateSlack:       scheduler.DefaultImmediateSlack,
		MissedGrace:          scheduler.DefaultMissedGrace,
		DurationScanInterval: scheduler.DefaultDurationScanInterval,
		MaterializeInterval:  recurrence.DefaultMaterializeInterval,
		Timezone:             "UTC",
		BackupRetention:      backup.DefaultRetention,
		TrashTTL:             backup.DefaultTrashTTL,
		TrashPurgeInterval:   time.Hour,
		FFmpegBinary:         supervisor.DefaultFFmpegBinary,
		StopTimeout:          15 * time.Second,
		LogLines:             200,
	}
}

// Load resolves the configuration. If path is empty only defaults and the
// environment apply. A .env file in the working directory is honoured before
// the environment is read.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Location parses the configured timezone.
func (c Config) Location() (*time.Location, error) {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

func (c *Config) applyEnv() error {
	durations := []struct {
		key   string
		field *time.Duration
	}{
		{"STREAMCAST_POLL_INTERVAL", &c.PollInterval},
		{"STREAMCAST_LOOKAHEAD", &c.Lookahead},
		{"STREAMCAST_IMMEDIATE_SLACK", &c.ImmediateSlack},
		{"STREAMCAST_MISSED_GRACE", &c.MissedGrace},
		{"STREAMCAST_DURATION_SCAN_INTERVAL", &c.DurationScanInterval},
		{"STREAMCAST_MATERIALIZE_INTERVAL", &c.MaterializeInterval},
		{"STREAMCAST_TRASH_TTL", &c.TrashTTL},
		{"STREAMCAST_TRASH_PURGE_INTERVAL", &c.TrashPurgeInterval},
		{"STREAMCAST_STOP_TIMEOUT", &c.StopTimeout},
	}
	for _, entry := range durations {
		raw := strings.TrimSpace(os.Getenv(entry.key))
		if raw == "" {
			continue
		}
		value, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", entry.key, err)
		}
		*entry.field = value
	}
	if raw := strings.TrimSpace(os.Getenv("STREAMCAST_BACKUP_RETENTION")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse STREAMCAST_BACKUP_RETENTION: %w", err)
		}
		c.BackupRetention = value
	}
	if raw := strings.TrimSpace(os.Getenv("STREAMCAST_LOG_LINES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse STREAMCAST_LOG_LINES: %w", err)
		}
		c.LogLines = value
	}
	if raw := strings.TrimSpace(os.Getenv("STREAMCAST_TIMEZONE")); raw != "" {
		c.Timezone = raw
	}
	if raw := strings.TrimSpace(os.Getenv("STREAMCAST_FFMPEG")); raw != "" {
		c.FFmpegBinary = raw
	}
	return nil
}

func (c *Config) validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.Lookahead < c.PollInterval {
		return fmt.Errorf("lookahead %s must be at least the poll interval %s", c.Lookahead, c.PollInterval)
	}
	if c.BackupRetention <= 0 {
		return fmt.Errorf("backup retention must be positive, got %d", c.BackupRetention)
	}
	if c.TrashTTL <= 0 {
		return fmt.Errorf("trash ttl must be positive, got %s", c.TrashTTL)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
