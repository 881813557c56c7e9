// Package kafka exports router hops to a Kafka topic.
package kafka

import (
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultTopic receives router hops unless configured otherwise
const DefaultTopic = "taskmesh.hops"

// ProducerConfig holds configuration for the Kafka producer
type ProducerConfig struct {
	Acks            string `yaml:"acks" json:"acks"` // "0", "1", "all"
	BatchSize       int    `yaml:"batch_size" json:"batch_size"`
	LingerMs        int    `yaml:"linger_ms" json:"linger_ms"`
	CompressionType string `yaml:"compression_type" json:"compression_type"` // none, gzip, snappy, lz4, zstd
	Async           bool   `yaml:"async" json:"async"`
}

// TopicConfig holds configuration for topic creation
type TopicConfig struct {
	NumPartitions     int `yaml:"num_partitions" json:"num_partitions"`
	ReplicationFactor int `yaml:"replication_factor" json:"replication_factor"`
}

// Config holds the hop export configuration
type Config struct {
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Brokers  []string       `yaml:"brokers" json:"brokers"`
	Topic    string         `yaml:"topic" json:"topic"`
	Producer ProducerConfig `yaml:"producer" json:"producer"`
	Topics   TopicConfig    `yaml:"topics" json:"topics"`

	// WriteTimeout bounds each publish; zero disables the bound
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultConfig returns the default export configuration, disabled
func DefaultConfig() Config {
	return Config{
		Brokers: []string{"localhost:9092"},
		Topic:   DefaultTopic,
		Producer: ProducerConfig{
			Acks:            "1",
			BatchSize:       100,
			LingerMs:        5,
			CompressionType: "snappy",
		},
		Topics: TopicConfig{
			NumPartitions:     3,
			ReplicationFactor: 1,
		},
		WriteTimeout: 5 * time.Second,
	}
}

// NewWriter builds a kafka-go writer for cfg
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.Producer.BatchSize,
		BatchTimeout: time.Duration(cfg.Producer.LingerMs) * time.Millisecond,
		Async:        cfg.Producer.Async,
		Compression:  compressionCodec(cfg.Producer.CompressionType),
		RequiredAcks: requiredAcks(cfg.Producer.Acks),
	}
}

func compressionCodec(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

func requiredAcks(acks string) kafka.RequiredAcks {
	switch acks {
	case "0":
		return kafka.RequireNone
	case "all", "-1":
		return kafka.RequireAll
	default:
		return kafka.RequireOne
	}
}
