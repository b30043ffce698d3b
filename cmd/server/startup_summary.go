package main

import (
	"net/url"
	"strings"

	"streamcast/internal/history"
)

type startupSummaryInput struct {
	StorageDriver string
	StorageDSN    string
	DataPath      string
	HistoryDriver string
	HistoryConfig history.RedisSinkConfig
}

type startupSummary struct {
	datastore map[string]any
	history   map[string]any
}

// newStartupSummary condenses the resolved runtime configuration into
// structured attributes for the boot log line. Credentials embedded in DSNs
// are redacted before they reach the log.
func newStartupSummary(input startupSummaryInput) startupSummary {
	datastore := map[string]any{"driver": input.StorageDriver}
	switch input.StorageDriver {
	case "postgres":
		datastore["dsn"] = redactDSN(input.StorageDSN)
	case "json":
		datastore["path"] = input.DataPath
	}

	historyDriver := strings.ToLower(strings.TrimSpace(input.HistoryDriver))
	if historyDriver == "" {
		historyDriver = "memory"
	}
	historySummary := map[string]any{"driver": historyDriver}
	if historyDriver == "redis" {
		addr := input.HistoryConfig.Addr
		if addr == "" && len(input.HistoryConfig.Addrs) > 0 {
			addr = strings.Join(input.HistoryConfig.Addrs, ",")
		}
		historySummary["addr"] = addr
		if input.HistoryConfig.MasterName != "" {
			historySummary["master_name"] = input.HistoryConfig.MasterName
		}
	}

	return startupSummary{datastore: datastore, history: historySummary}
}

func (s startupSummary) LogArgs() []any {
	return []any{"datastore", s.datastore, "history", s.history}
}

// redactDSN masks the password component of a connection string. Strings
// that do not parse as URLs are masked entirely rather than leaked.
func redactDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" {
		return "*****"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "*****")
		}
	}
	return parsed.String()
}
