package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with durations as strings so the YAML stays
// human-editable ("90s", "5m", "720h").
type fileConfig struct {
	PollInterval         string `yaml:"poll_interval"`
	Lookahead            string `yaml:"lookahead"`
	ImmediateSlack       string `yaml:"immediate_slack"`
	MissedGrace          string `yaml:"missed_grace"`
	DurationScanInterval string `yaml:"duration_scan_interval"`
	MaterializeInterval  string `yaml:"materialize_interval"`
	Timezone             string `yaml:"timezone"`
	BackupRetention      *int   `yaml:"backup_retention"`
	TrashTTL             string `yaml:"trash_ttl"`
	TrashPurgeInterval   string `yaml:"trash_purge_interval"`
	FFmpegBinary         string `yaml:"ffmpeg_binary"`
	StopTimeout          string `yaml:"stop_timeout"`
	LogLines             *int   `yaml:"log_lines"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	durations := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"poll_interval", f.PollInterval, &c.PollInterval},
		{"lookahead", f.Lookahead, &c.Lookahead},
		{"immediate_slack", f.ImmediateSlack, &c.ImmediateSlack},
		{"missed_grace", f.MissedGrace, &c.MissedGrace},
		{"duration_scan_interval", f.DurationScanInterval, &c.DurationScanInterval},
		{"materialize_interval", f.MaterializeInterval, &c.MaterializeInterval},
		{"trash_ttl", f.TrashTTL, &c.TrashTTL},
		{"trash_purge_interval", f.TrashPurgeInterval, &c.TrashPurgeInterval},
		{"stop_timeout", f.StopTimeout, &c.StopTimeout},
	}
	for _, entry := range durations {
		raw := strings.TrimSpace(entry.raw)
		if raw == "" {
			continue
		}
		value, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse %s in %s: %w", entry.name, path, err)
		}
		*entry.field = value
	}
	if f.BackupRetention != nil {
		c.BackupRetention = *f.BackupRetention
	}
	if f.LogLines != nil {
		c.LogLines = *f.LogLines
	}
	if tz := strings.TrimSpace(f.Timezone); tz != "" {
		c.Timezone = tz
	}
	if bin := strings.TrimSpace(f.FFmpegBinary); bin != "" {
		c.FFmpegBinary = bin
	}
	return nil
}
