// Package config loads the worker configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/indexerqueue/worker/logging"
	"github.com/indexerqueue/worker/pipeline"
)

// Queue providers.
const (
	ProviderSQS    = "sqs"
	ProviderPubSub = "pubsub"
	ProviderRedis  = "redis"
)

// Dead-letter sinks. SinkQueue is the provider's own dead-letter queue or
// topic.
const (
	SinkNone     = "none"
	SinkQueue    = "queue"
	SinkDynamoDB = "dynamodb"
	SinkPostgres = "postgres"
	SinkMongoDB  = "mongodb"
)

// Config holds the worker configuration.
type Config struct {
	Log        LogConfig
	Status     StatusConfig
	Indexer    IndexerConfig
	Queue      QueueConfig
	DeadLetter DeadLetterConfig
	Pipeline   PipelineConfig
}

type LogConfig struct {
	Level  string
	Format logging.Format
}

// StatusConfig configures the status API. An empty Addr disables it.
type StatusConfig struct {
	Addr string
}

type IndexerConfig struct {
	IndexURL       string
	ReindexURL     string
	RequestTimeout time.Duration
}

type QueueConfig struct {
	Provider           string
	Name               string
	PubSubProject      string
	PubSubSubscription string
	RedisURL           string
	VisibilityTimeout  time.Duration
}

type DeadLetterConfig struct {
	Sink             string
	Name             string
	TimeToLive       time.Duration
	DynamoDBTable    string
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDatabase string
	PostgresSSLMode  string
	PostgresTable    string
	MongoDBURI       string
	MongoDBDatabase  string
	MongoDBColl      string
}

type PipelineConfig struct {
	Workers                int
	ChannelSize            int
	MaxReceiveMessages     int
	ReceiveWaitTime        time.Duration
	MaxOutstandingMessages int
	MaxBatchSize           int
	MaxBatchAge            time.Duration
	MaxWaitForProcessing   time.Duration
	ShutdownTimeout        time.Duration
	StallTimeout           time.Duration
	MaxFailureRatio        float64
	FailureWindow          int
	MaxReceiveCount        int
}

// Load reads the configuration from the environment. Unset variables take
// their defaults; set variables that fail to parse are reported together.
func Load() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Log: LogConfig{
			Level:  l.getEnv("LOG_LEVEL", "info"),
			Format: logging.Format(l.getEnv("LOG_FORMAT", string(logging.FormatJSON))),
		},
		Status: StatusConfig{
			Addr: l.getEnv("STATUS_ADDR", ":8080"),
		},
		Indexer: IndexerConfig{
			IndexURL:       l.getEnv("INDEX_URL", ""),
			ReindexURL:     l.getEnv("REINDEX_URL", ""),
			RequestTimeout: l.getEnvAsDuration("INDEXER_REQUEST_TIMEOUT", 30*time.Second),
		},
		Queue: QueueConfig{
			Provider:           strings.ToLower(l.getEnv("QUEUE_PROVIDER", ProviderSQS)),
			Name:               l.getEnv("QUEUE_NAME", ""),
			PubSubProject:      l.getEnv("PUBSUB_PROJECT", ""),
			PubSubSubscription: l.getEnv("PUBSUB_SUBSCRIPTION", ""),
			RedisURL:           l.getEnv("REDIS_URL", "redis://localhost:6379/0"),
			VisibilityTimeout:  l.getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 60*time.Second),
		},
		DeadLetter: DeadLetterConfig{
			Sink:             strings.ToLower(l.getEnv("DEAD_LETTER_SINK", SinkNone)),
			Name:             l.getEnv("DEAD_LETTER_NAME", ""),
			TimeToLive:       l.getEnvAsDuration("DEAD_LETTER_TTL", 14*24*time.Hour),
			DynamoDBTable:    l.getEnv("DYNAMODB_TABLE_NAME", ""),
			PostgresHost:     l.getEnv("POSTGRES_HOST", "localhost"),
			PostgresPort:     l.getEnvAsInt("POSTGRES_PORT", 5432),
			PostgresUser:     l.getEnv("POSTGRES_USER", ""),
			PostgresPassword: l.getEnv("POSTGRES_PASSWORD", ""),
			PostgresDatabase: l.getEnv("POSTGRES_DATABASE", ""),
			PostgresSSLMode:  l.getEnv("POSTGRES_SSL_MODE", "prefer"),
			PostgresTable:    l.getEnv("POSTGRES_TABLE", "dead_letters"),
			MongoDBURI:       l.getEnv("MONGODB_URI", ""),
			MongoDBDatabase:  l.getEnv("MONGODB_DATABASE", "indexer"),
			MongoDBColl:      l.getEnv("MONGODB_COLLECTION", "dead_letters"),
		},
		Pipeline: PipelineConfig{
			Workers:                l.getEnvAsInt("WORKERS", 10),
			ChannelSize:            l.getEnvAsInt("CHANNEL_SIZE", 100),
			MaxReceiveMessages:     l.getEnvAsInt("MAX_RECEIVE_MESSAGES", 10),
			ReceiveWaitTime:        l.getEnvAsDuration("RECEIVE_WAIT_TIME", 20*time.Second),
			MaxOutstandingMessages: l.getEnvAsInt("MAX_OUTSTANDING_MESSAGES", 100),
			MaxBatchSize:           l.getEnvAsInt("MAX_BATCH_SIZE", 10),
			MaxBatchAge:            l.getEnvAsDuration("MAX_BATCH_AGE", 2*time.Second),
			MaxWaitForProcessing:   l.getEnvAsDuration("MAX_WAIT_FOR_PROCESSING", 30*time.Second),
			ShutdownTimeout:        l.getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			StallTimeout:           l.getEnvAsDuration("STALL_TIMEOUT", 5*time.Minute),
			MaxFailureRatio:        l.getEnvAsFloat("MAX_FAILURE_RATIO", 0),
			FailureWindow:          l.getEnvAsInt("FAILURE_WINDOW", 100),
			MaxReceiveCount:        l.getEnvAsInt("MAX_RECEIVE_COUNT", 0),
		},
	}

	if err := errors.Join(l.errs...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the combination of settings. Numeric pipeline ranges are
// left to the pipeline options.
func (c *Config) Validate() error {
	if err := logging.ValidateLevel(c.Log.Level); err != nil {
		return err
	}

	if err := logging.ValidateFormat(string(c.Log.Format)); err != nil {
		return err
	}

	if err := validateHTTPURL("INDEX_URL", c.Indexer.IndexURL); err != nil {
		return err
	}

	if err := validateHTTPURL("REINDEX_URL", c.Indexer.ReindexURL); err != nil {
		return err
	}

	if c.Indexer.RequestTimeout <= 0 {
		return errors.New("INDEXER_REQUEST_TIMEOUT must be greater than zero")
	}

	switch c.Queue.Provider {
	case ProviderSQS, ProviderRedis:
		if c.Queue.Name == "" {
			return fmt.Errorf("QUEUE_NAME is required for the %s provider", c.Queue.Provider)
		}
	case ProviderPubSub:
		if c.Queue.PubSubProject == "" || c.Queue.PubSubSubscription == "" {
			return errors.New("PUBSUB_PROJECT and PUBSUB_SUBSCRIPTION are required for the pubsub provider")
		}
	default:
		return fmt.Errorf("invalid QUEUE_PROVIDER %q, expected sqs, pubsub or redis", c.Queue.Provider)
	}

	if c.Queue.VisibilityTimeout <= 0 {
		return errors.New("QUEUE_VISIBILITY_TIMEOUT must be greater than zero")
	}

	return c.validateDeadLetter()
}

func (c *Config) validateDeadLetter() error {
	d := c.DeadLetter

	switch d.Sink {
	case SinkNone:
		return nil
	case SinkQueue:
		if c.Queue.Provider == ProviderRedis {
			return errors.New("DEAD_LETTER_SINK=queue is not supported for the redis provider")
		}

		if d.Name == "" {
			return errors.New("DEAD_LETTER_NAME is required when DEAD_LETTER_SINK=queue")
		}
	case SinkDynamoDB:
		if d.DynamoDBTable == "" {
			return errors.New("DYNAMODB_TABLE_NAME is required when DEAD_LETTER_SINK=dynamodb")
		}
	case SinkPostgres:
		if d.PostgresUser == "" || d.PostgresDatabase == "" {
			return errors.New("POSTGRES_USER and POSTGRES_DATABASE are required when DEAD_LETTER_SINK=postgres")
		}
	case SinkMongoDB:
		if d.MongoDBURI == "" {
			return errors.New("MONGODB_URI is required when DEAD_LETTER_SINK=mongodb")
		}
	default:
		return fmt.Errorf("invalid DEAD_LETTER_SINK %q", d.Sink)
	}

	if d.TimeToLive <= 0 && d.Sink != SinkQueue {
		return errors.New("DEAD_LETTER_TTL must be greater than zero")
	}

	return nil
}

// PipelineOptions converts the pipeline settings into service options.
// Pub/Sub redelivery uses the exponential backoff policy.
func (c *Config) PipelineOptions() []pipeline.Option {
	p := c.Pipeline

	opts := []pipeline.Option{
		pipeline.WithWorkers(p.Workers),
		pipeline.WithChannelSize(p.ChannelSize),
		pipeline.WithMaxReceiveMessages(p.MaxReceiveMessages),
		pipeline.WithReceiveWaitTime(p.ReceiveWaitTime),
		pipeline.WithMaxOutstandingMessages(p.MaxOutstandingMessages),
		pipeline.WithMaxBatchSize(p.MaxBatchSize),
		pipeline.WithMaxBatchAge(p.MaxBatchAge),
		pipeline.WithMaxWaitForProcessing(p.MaxWaitForProcessing),
		pipeline.WithShutdownTimeout(p.ShutdownTimeout),
		pipeline.WithStallTimeout(p.StallTimeout),
		pipeline.WithFailureRatio(p.MaxFailureRatio, p.FailureWindow),
		pipeline.WithMaxReceiveCount(p.MaxReceiveCount),
	}

	if c.Queue.Provider == ProviderPubSub {
		opts = append(opts, pipeline.WithBackoff(pipeline.DefaultExponentialBackoff()))
	}

	return opts
}

func validateHTTPURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s %q, expected an absolute http(s) URL", name, raw)
	}

	return nil
}

type loader struct {
	errs []error
}

func (l *loader) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

func (l *loader) getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}

	return n
}

func (l *loader) getEnvAsFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}

	return f
}

func (l *loader) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}

	return d
}
