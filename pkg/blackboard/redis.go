package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	Password string        `yaml:"password" json:"password"`
	DB       int           `yaml:"db" json:"db"`
	Prefix   string        `yaml:"prefix" json:"prefix"` // Key prefix for namespacing
	TTL      time.Duration `yaml:"ttl" json:"ttl"`
}

// DefaultRedisConfig returns sensible defaults
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:   "localhost",
		Port:   6379,
		DB:     0,
		Prefix: "taskmesh",
	}
}

// Addr returns host:port
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BoardKey returns the Redis hash holding a run's entries.
// Pattern: {prefix}:{run_id}:board
func BoardKey(prefix, runID string) string {
	return fmt.Sprintf("%s:%s:board", prefix, runID)
}

// HistoryKey returns the Redis list holding a run's write history.
// Pattern: {prefix}:{run_id}:history
func HistoryKey(prefix, runID string) string {
	return fmt.Sprintf("%s:%s:history", prefix, runID)
}

// RedisExporter persists finished boards to Redis
type RedisExporter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisExporter connects to Redis and verifies the connection
func NewRedisExporter(cfg RedisConfig) (*RedisExporter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisExporterFromClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisExporterFromClient wraps an existing client
func NewRedisExporterFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisExporter {
	if prefix == "" {
		prefix = DefaultRedisConfig().Prefix
	}
	return &RedisExporter{client: client, prefix: prefix, ttl: ttl}
}

// Export replaces any stored copy of runID's board with board's current
// entries and history, in one transaction.
func (e *RedisExporter) Export(ctx context.Context, runID string, board *Board) error {
	if runID == "" {
		return fmt.Errorf("run id cannot be empty")
	}
	dump := board.Dump()

	fields := make(map[string]interface{}, len(dump.Entries))
	for key, entry := range dump.Entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to serialize entry %s: %w", key, err)
		}
		fields[key] = data
	}
	records := make([]interface{}, 0, len(dump.History))
	for _, rec := range dump.History {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to serialize history record %d: %w", rec.Seq, err)
		}
		records = append(records, data)
	}

	boardKey, historyKey := BoardKey(e.prefix, runID), HistoryKey(e.prefix, runID)
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, boardKey, historyKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, boardKey, fields)
		}
		if len(records) > 0 {
			pipe.RPush(ctx, historyKey, records...)
		}
		if e.ttl > 0 {
			pipe.Expire(ctx, boardKey, e.ttl)
			pipe.Expire(ctx, historyKey, e.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to export board for run %s: %w", runID, err)
	}
	return nil
}

// Load reads back an exported board. A run that was never exported
// yields an empty dump.
func (e *RedisExporter) Load(ctx context.Context, runID string) (Dump, error) {
	dump := Dump{Entries: make(map[string]Entry)}

	fields, err := e.client.HGetAll(ctx, BoardKey(e.prefix, runID)).Result()
	if err != nil {
		return dump, fmt.Errorf("failed to read board for run %s: %w", runID, err)
	}
	for key, raw := range fields {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return dump, fmt.Errorf("failed to deserialize entry %s: %w", key, err)
		}
		dump.Entries[key] = entry
	}

	items, err := e.client.LRange(ctx, HistoryKey(e.prefix, runID), 0, -1).Result()
	if err != nil {
		return dump, fmt.Errorf("failed to read history for run %s: %w", runID, err)
	}
	for _, raw := range items {
		var rec HistoryRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return dump, fmt.Errorf("failed to deserialize history record: %w", err)
		}
		dump.History = append(dump.History, rec)
	}
	sort.Slice(dump.History, func(i, j int) bool { return dump.History[i].Seq < dump.History[j].Seq })

	return dump, nil
}

// Close closes the Redis connection
func (e *RedisExporter) Close() error {
	return e.client.Close()
}
