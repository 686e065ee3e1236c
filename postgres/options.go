package postgres

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// validIdentifier matches valid PostgreSQL unquoted identifiers.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DeadLetterModelVersion is written to the version column of every row.
const DeadLetterModelVersion = 1

// SSLMode represents PostgreSQL SSL connection modes.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// Option is a functional option for configuring a Client.
type Option func(*options)

type options struct {
	host                      string
	port                      int
	user                      string
	password                  string
	database                  string
	sslMode                   SSLMode
	poolMaxConnections        *int32
	poolMinConnections        *int32
	poolMaxConnectionLifetime *time.Duration
	poolMaxConnectionIdleTime *time.Duration
	poolHealthCheckPeriod     *time.Duration
	deadLettersTable          string
	timeToLive                time.Duration
	ttlCleanupInterval        *time.Duration
}

func newOptions() *options {
	defaultCleanupInterval := time.Hour

	return &options{
		host:               "localhost",
		port:               5432,
		sslMode:            SSLModePrefer,
		deadLettersTable:   "dead_letters",
		timeToLive:         14 * 24 * time.Hour,
		ttlCleanupInterval: &defaultCleanupInterval,
	}
}

func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

func WithUser(user string) Option {
	return func(o *options) { o.user = user }
}

func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

func WithDatabase(database string) Option {
	return func(o *options) { o.database = database }
}

func WithSSLMode(mode SSLMode) Option {
	return func(o *options) { o.sslMode = mode }
}

func WithPoolMaxConnections(n int32) Option {
	return func(o *options) { o.poolMaxConnections = &n }
}

func WithPoolMinConnections(n int32) Option {
	return func(o *options) { o.poolMinConnections = &n }
}

func WithPoolMaxConnectionLifetime(d time.Duration) Option {
	return func(o *options) { o.poolMaxConnectionLifetime = &d }
}

func WithPoolMaxConnectionIdleTime(d time.Duration) Option {
	return func(o *options) { o.poolMaxConnectionIdleTime = &d }
}

func WithPoolHealthCheckPeriod(d time.Duration) Option {
	return func(o *options) { o.poolHealthCheckPeriod = &d }
}

// WithDeadLettersTable sets the table name. The default is dead_letters.
func WithDeadLettersTable(name string) Option {
	return func(o *options) { o.deadLettersTable = name }
}

// WithTimeToLive sets how long rows are kept before the cleanup deletes
// them. The default is 14 days.
func WithTimeToLive(d time.Duration) Option {
	return func(o *options) { o.timeToLive = d }
}

// WithTTLCleanupInterval sets how often the background goroutine deletes
// expired rows. Defaults to 1 hour.
func WithTTLCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.ttlCleanupInterval = &d }
}

// WithTTLCleanupDisabled disables the background TTL cleanup goroutine.
// Expired rows are then excluded from reads but never deleted.
func WithTTLCleanupDisabled() Option {
	return func(o *options) { o.ttlCleanupInterval = nil }
}

type dbRow struct {
	DataType   string
	IsNullable string
}

func (o *options) validate() error {
	if o.port < 1 || o.port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", o.port)
	}

	if o.user == "" {
		return errors.New("user is required")
	}

	if o.database == "" {
		return errors.New("database is required")
	}

	if !o.sslMode.isValid() {
		return fmt.Errorf("invalid SSL mode: %s", o.sslMode)
	}

	if err := validateTableName(o.deadLettersTable); err != nil {
		return fmt.Errorf("invalid dead letters table name: %w", err)
	}

	if o.timeToLive <= 0 {
		return errors.New("time to live must be greater than zero")
	}

	if o.ttlCleanupInterval != nil && *o.ttlCleanupInterval <= 0 {
		return errors.New("TTL cleanup interval must be positive")
	}

	return nil
}

func validateTableName(name string) error {
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("table name %q contains invalid characters", name)
	}

	return nil
}

func (s SSLMode) isValid() bool {
	switch s {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

func (o *options) connectionString() string {
	host := net.JoinHostPort(o.host, strconv.Itoa(o.port))

	user := url.QueryEscape(o.user)

	if o.password != "" {
		user += ":" + url.QueryEscape(o.password)
	}

	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=%s", user, host, o.database, o.sslMode)
}

func (o *options) createStatements() []string {
	t := o.deadLettersTable

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id text PRIMARY KEY, version SMALLINT NOT NULL, message_id text NOT NULL, partition_id text NOT NULL, body text NOT NULL, attrs JSONB NOT NULL, reason text NOT NULL, receive_count integer NOT NULL, created_at TIMESTAMP WITH TIME ZONE NOT NULL, expires_at TIMESTAMP WITH TIME ZONE NOT NULL);`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_partition_created_idx ON %s (partition_id, created_at);`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_message_id_idx ON %s (message_id);`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expires_at_idx ON %s (expires_at);`, t, t),
	}
}

func (o *options) dropStatements() []string {
	return []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE;", o.deadLettersTable),
	}
}

func (o *options) verifySchema(actualRows map[string]*dbRow) error {
	t := o.deadLettersTable

	expectedRows := map[string]*dbRow{
		t + ".id":            {DataType: "text", IsNullable: "NO"},
		t + ".version":       {DataType: "smallint", IsNullable: "NO"},
		t + ".message_id":    {DataType: "text", IsNullable: "NO"},
		t + ".partition_id":  {DataType: "text", IsNullable: "NO"},
		t + ".body":          {DataType: "text", IsNullable: "NO"},
		t + ".attrs":         {DataType: "jsonb", IsNullable: "NO"},
		t + ".reason":        {DataType: "text", IsNullable: "NO"},
		t + ".receive_count": {DataType: "integer", IsNullable: "NO"},
		t + ".created_at":    {DataType: "timestamp with time zone", IsNullable: "NO"},
		t + ".expires_at":    {DataType: "timestamp with time zone", IsNullable: "NO"},
	}

	for id, expectedRow := range expectedRows {
		actual, ok := actualRows[id]
		if !ok {
			return fmt.Errorf("expected column '%s' not found in current database schema", id)
		}

		if !strings.EqualFold(actual.DataType, expectedRow.DataType) {
			return fmt.Errorf("data type mismatch for '%s': expected %s, got %s", id, expectedRow.DataType, actual.DataType)
		}

		if !strings.EqualFold(actual.IsNullable, expectedRow.IsNullable) {
			return fmt.Errorf("nullability mismatch for '%s': expected %s, got %s", id, expectedRow.IsNullable, actual.IsNullable)
		}
	}

	return nil
}
