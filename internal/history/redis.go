package history

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"streamcast/internal/models"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisSinkConfig configures the Redis-backed history sink.
type RedisSinkConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	KeyPrefix    string
	MaxPerKey    int64
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// NewRedisSink initialises a history sink backed by Redis lists, one list per
// stream and one per user. The caller is responsible for ensuring the Redis
// instance is reachable.
func NewRedisSink(cfg RedisSinkConfig) (Sink, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "streamcast:history"
	}
	if cfg.MaxPerKey <= 0 {
		cfg.MaxPerKey = 500
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	sink := &redisSink{
		client:    client,
		prefix:    prefix,
		maxPerKey: cfg.MaxPerKey,
		logger:    cfg.Logger,
	}
	if sink.logger == nil {
		sink.logger = slog.Default()
	}
	return sink, nil
}

type redisSink struct {
	client    redis.UniversalClient
	prefix    string
	maxPerKey int64
	logger    *slog.Logger
}

func (s *redisSink) streamKey(streamID string) string {
	return s.prefix + ":stream:" + streamID
}

func (s *redisSink) userKey(userID string) string {
	return s.prefix + ":user:" + userID
}

func (s *redisSink) Append(ctx context.Context, entry models.HistoryEntry) (models.HistoryEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return models.HistoryEntry{}, fmt.Errorf("marshal history entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, key := range []string{s.streamKey(entry.StreamID), s.userKey(entry.UserID)} {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, s.maxPerKey-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return models.HistoryEntry{}, fmt.Errorf("append history entry: %w", err)
	}
	return entry, nil
}

func (s *redisSink) listKey(ctx context.Context, key string, limit int) ([]models.HistoryEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := s.client.LRange(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	entries := make([]models.HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry models.HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			s.logger.Error("history decode failed", "key", key, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *redisSink) ListByStream(ctx context.Context, streamID string, limit int) ([]models.HistoryEntry, error) {
	return s.listKey(ctx, s.streamKey(streamID), limit)
}

func (s *redisSink) ListByUser(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	return s.listKey(ctx, s.userKey(userID), limit)
}

func (s *redisSink) DeleteStream(ctx context.Context, streamID string) error {
	if err := s.client.Del(ctx, s.streamKey(streamID)).Err(); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}

func (s *redisSink) Close() error {
	return s.client.Close()
}

var _ Sink = (*redisSink)(nil)

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
