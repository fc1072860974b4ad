package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
)

// Config holds the application flags that are not owned by a go-core
// package. It implements the common cfg.Registerable and cfg.Validatable
// interfaces.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL     string
	DBMaxConns      int
	DBSlowQueryMS   int
	RedisURL        string
	RedisTTLSeconds int

	KafkaBrokers string
	KafkaTopic   string
	KafkaGroup   string

	ClaudeAPIKey    string
	ClaudeModel     string
	SlackWebhookURL string

	StrictStartup         bool
	HealthIntervalSeconds int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) required on the risk API, comma separated for rotation")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..1000)")
	fs.IntVar(&c.DBSlowQueryMS, "db-slow-query-ms", 200, "log queries slower than this many milliseconds (0 = log all)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the position cache (empty = no cache)")
	fs.IntVar(&c.RedisTTLSeconds, "redis-ttl-seconds", 30, "position cache entry TTL in seconds (1..3600)")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma separated Kafka brokers for risk event ingestion (empty = HTTP only)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "bulwark.risk-events", "Kafka topic carrying risk events")
	fs.StringVar(&c.KafkaGroup, "kafka-group", "bulwark", "Kafka consumer group")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude explainer (empty = template explainer)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model used for incident explanations")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for terminal incident notifications")
	fs.BoolVar(&c.StrictStartup, "strict-startup", false, "abort startup when a required agent fails instead of degrading to mock")
	fs.IntVar(&c.HealthIntervalSeconds, "health-interval-seconds", 30, "seconds between agent health refresh and restart passes (1..3600)")
}

// Tokens returns the configured API tokens.
func (c *Config) Tokens() []string {
	return splitList(c.APIToken)
}

// Brokers returns the configured Kafka brokers.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// Risk API bearer token(s)
	if len(c.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.DBMaxConns <= 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..1000)", c.DBMaxConns))
	}
	if c.DBSlowQueryMS < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.DBSlowQueryMS))
	}

	if c.RedisURL != "" {
		if c.RedisTTLSeconds <= 0 || c.RedisTTLSeconds > 3600 {
			errs = append(errs, fmt.Errorf("invalid REDIS_TTL_SECONDS %d (must be 1..3600)", c.RedisTTLSeconds))
		}
	}

	// Topic and group only matter once brokers are set
	if len(c.Brokers()) > 0 {
		if c.KafkaTopic == "" {
			errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
		}
		if c.KafkaGroup == "" {
			errs = append(errs, errors.New("KAFKA_GROUP is required when KAFKA_BROKERS is set"))
		}
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if c.SlackWebhookURL != "" {
		if u, err := url.Parse(c.SlackWebhookURL); err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, errors.New("invalid SLACK_WEBHOOK_URL (must be an https URL)"))
		}
	}

	if c.HealthIntervalSeconds <= 0 || c.HealthIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid HEALTH_INTERVAL_SECONDS %d (must be 1..3600)", c.HealthIntervalSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
