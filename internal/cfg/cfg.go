package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"
)

// Config adds app-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL     string
	DBMaxConns      int
	SlowQueryMillis int
	AutoMigrate     bool

	PolicyFile     string
	OperatorTokens string
	ConsoleOrigins string

	AlertTickSeconds    int
	IncidentTickSeconds int

	NotifyMaxAttempts           int
	NotifyBackoffMillis         int
	NotifyMaxBackoffMillis      int
	NotifyAttemptTimeoutSeconds int
	NotifyCooldownSeconds       int
	NotifyParallelism           int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SlackWebhookURL    string
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFrom         string
	FCMCredentialsFile string
	APNsKeyFile        string
	APNsKeyID          string
	APNsTeamID         string
	APNsTopic          string
	APNsProduction     bool
	SNSRegion          string
	GoogleMapsAPIKey   string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "maximum PostgreSQL pool connections (0 = driver default)")
	fs.IntVar(&c.SlowQueryMillis, "slow-query-ms", 250, "log queries slower than this many milliseconds at warn (0 = off)")
	fs.BoolVar(&c.AutoMigrate, "auto-migrate", true, "apply pending schema migrations at startup")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML policy overlaid on the built-in defaults")
	fs.StringVar(&c.OperatorTokens, "operator-tokens", "", "comma-separated token:operator pairs for the operator API")
	fs.StringVar(&c.ConsoleOrigins, "console-origins", "", "comma-separated origins allowed to open the console websocket (empty = same origin)")

	fs.IntVar(&c.AlertTickSeconds, "alert-tick-seconds", 10, "alert escalation tick interval (1..3600)")
	fs.IntVar(&c.IncidentTickSeconds, "incident-tick-seconds", 60, "incident escalation tick interval (1..3600)")

	fs.IntVar(&c.NotifyMaxAttempts, "notify-max-attempts", 3, "delivery attempts per recipient and channel (1..10)")
	fs.IntVar(&c.NotifyBackoffMillis, "notify-backoff-ms", 500, "initial retry backoff in milliseconds (1..60000)")
	fs.IntVar(&c.NotifyMaxBackoffMillis, "notify-max-backoff-ms", 5000, "retry backoff cap in milliseconds (>= notify-backoff-ms, max 300000)")
	fs.IntVar(&c.NotifyAttemptTimeoutSeconds, "notify-attempt-timeout-seconds", 10, "timeout for one provider call (1..120)")
	fs.IntVar(&c.NotifyCooldownSeconds, "notify-cooldown-seconds", 300, "suppress repeat notifications of the same event to the same recipient for this long (1..86400)")
	fs.IntVar(&c.NotifyParallelism, "notify-parallelism", 16, "concurrent deliveries per fan-out (1..256)")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for shared notification dedup (empty = in-process)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis logical database (0..15)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for the slack channel")
	fs.StringVar(&c.TwilioAccountSID, "twilio-account-sid", "", "Twilio account SID for the sms and voice channels")
	fs.StringVar(&c.TwilioAuthToken, "twilio-auth-token", "", "Twilio auth token")
	fs.StringVar(&c.TwilioFrom, "twilio-from", "", "Twilio sender number (E.164)")
	fs.StringVar(&c.FCMCredentialsFile, "fcm-credentials-file", "", "Firebase service account JSON for the push channel")
	fs.StringVar(&c.APNsKeyFile, "apns-key-file", "", "APNs .p8 auth key for the apns channel")
	fs.StringVar(&c.APNsKeyID, "apns-key-id", "", "APNs key ID")
	fs.StringVar(&c.APNsTeamID, "apns-team-id", "", "APNs team ID")
	fs.StringVar(&c.APNsTopic, "apns-topic", "", "APNs topic (app bundle ID)")
	fs.BoolVar(&c.APNsProduction, "apns-production", false, "use the production APNs gateway")
	fs.StringVar(&c.SNSRegion, "sns-region", "", "AWS region for the sns channel (empty = disabled)")
	fs.StringVar(&c.GoogleMapsAPIKey, "google-maps-api-key", "", "Google Maps key for reverse geocoding SOS locations")
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

	if c.DBMaxConns < 0 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 0..1000)", c.DBMaxConns))
	}
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}

	// Operators must be able to authenticate, otherwise nobody can acknowledge an SOS
	if _, err := c.Operators(); err != nil {
		errs = append(errs, err)
	}

	if c.AlertTickSeconds <= 0 || c.AlertTickSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid ALERT_TICK_SECONDS %d (must be 1..3600)", c.AlertTickSeconds))
	}
	if c.IncidentTickSeconds <= 0 || c.IncidentTickSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid INCIDENT_TICK_SECONDS %d (must be 1..3600)", c.IncidentTickSeconds))
	}

	if c.NotifyMaxAttempts <= 0 || c.NotifyMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MAX_ATTEMPTS %d (must be 1..10)", c.NotifyMaxAttempts))
	}
	if c.NotifyBackoffMillis <= 0 || c.NotifyBackoffMillis > 60000 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_BACKOFF_MS %d (must be 1..60000)", c.NotifyBackoffMillis))
	}
	if c.NotifyMaxBackoffMillis < c.NotifyBackoffMillis || c.NotifyMaxBackoffMillis > 300000 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_MAX_BACKOFF_MS %d (must be NOTIFY_BACKOFF_MS..300000)", c.NotifyMaxBackoffMillis))
	}
	if c.NotifyAttemptTimeoutSeconds <= 0 || c.NotifyAttemptTimeoutSeconds > 120 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_ATTEMPT_TIMEOUT_SECONDS %d (must be 1..120)", c.NotifyAttemptTimeoutSeconds))
	}
	if c.NotifyCooldownSeconds <= 0 || c.NotifyCooldownSeconds > 86400 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_COOLDOWN_SECONDS %d (must be 1..86400)", c.NotifyCooldownSeconds))
	}
	if c.NotifyParallelism <= 0 || c.NotifyParallelism > 256 {
		errs = append(errs, fmt.Errorf("invalid NOTIFY_PARALLELISM %d (must be 1..256)", c.NotifyParallelism))
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be 0..15)", c.RedisDB))
	}

	// Provider credentials come in groups, a partial group is a typo
	if c.TwilioAccountSID != "" || c.TwilioAuthToken != "" || c.TwilioFrom != "" {
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM must be set together"))
		}
	}
	if c.APNsKeyFile != "" && (c.APNsKeyID == "" || c.APNsTeamID == "" || c.APNsTopic == "") {
		errs = append(errs, errors.New("APNS_KEY_FILE requires APNS_KEY_ID, APNS_TEAM_ID and APNS_TOPIC"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Operators parses OperatorTokens into a token to operator map.
func (c *Config) Operators() (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitCSV(c.OperatorTokens) {
		token, actor, ok := strings.Cut(pair, ":")
		token, actor = strings.TrimSpace(token), strings.TrimSpace(actor)
		if !ok || token == "" || actor == "" {
			return nil, fmt.Errorf("invalid OPERATOR_TOKENS entry %q (want token:operator)", redact(pair))
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("duplicate token in OPERATOR_TOKENS for operator %q", actor)
		}
		out[token] = actor
	}
	if len(out) == 0 {
		return nil, errors.New("OPERATOR_TOKENS is required")
	}
	return out, nil
}

// Origins returns the console websocket origin allow-list.
func (c *Config) Origins() []string {
	return splitCSV(c.ConsoleOrigins)
}

// AlertInterval is the alert tick as a duration.
func (c *Config) AlertInterval() time.Duration {
	return time.Duration(c.AlertTickSeconds) * time.Second
}

// IncidentInterval is the incident tick as a duration.
func (c *Config) IncidentInterval() time.Duration {
	return time.Duration(c.IncidentTickSeconds) * time.Second
}

// NotifyBackoff is the initial retry backoff.
func (c *Config) NotifyBackoff() time.Duration {
	return time.Duration(c.NotifyBackoffMillis) * time.Millisecond
}

// NotifyMaxBackoff caps the retry backoff.
func (c *Config) NotifyMaxBackoff() time.Duration {
	return time.Duration(c.NotifyMaxBackoffMillis) * time.Millisecond
}

// NotifyAttemptTimeout bounds one provider call.
func (c *Config) NotifyAttemptTimeout() time.Duration {
	return time.Duration(c.NotifyAttemptTimeoutSeconds) * time.Second
}

// NotifyCooldown is the per-recipient dedup window.
func (c *Config) NotifyCooldown() time.Duration {
	return time.Duration(c.NotifyCooldownSeconds) * time.Second
}

// SlowQuery is the slow query log threshold as a duration.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.SlowQueryMillis) * time.Millisecond
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// redact keeps token material out of error messages.
func redact(pair string) string {
	if token, actor, ok := strings.Cut(pair, ":"); ok && token != "" {
		return "***:" + actor
	}
	return "***"
}
