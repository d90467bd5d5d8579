package cfg

import (
	"flag"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		SlowQueryMillis:       250,
		OperatorTokens:        "tok-1:ops-alice",
		AlertTickSeconds:      10,
		IncidentTickSeconds:   60,

		NotifyMaxAttempts:           3,
		NotifyBackoffMillis:         500,
		NotifyMaxBackoffMillis:      5000,
		NotifyAttemptTimeoutSeconds: 10,
		NotifyCooldownSeconds:       300,
		NotifyParallelism:           16,
	}
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse empty args: %v", err)
	}

	if c.DrainSeconds != 60 {
		t.Errorf("DrainSeconds = %d, want 60", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 90 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 90", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", c.APIPort)
	}
	if c.AlertInterval() != 10*time.Second {
		t.Errorf("AlertInterval = %v, want 10s", c.AlertInterval())
	}
	if c.IncidentInterval() != time.Minute {
		t.Errorf("IncidentInterval = %v, want 1m", c.IncidentInterval())
	}
	if c.SlowQuery() != 250*time.Millisecond {
		t.Errorf("SlowQuery = %v, want 250ms", c.SlowQuery())
	}
	if !c.AutoMigrate {
		t.Error("AutoMigrate = false, want true")
	}
	if c.DatabaseURL != "" || c.RedisAddr != "" {
		t.Errorf("DatabaseURL = %q, RedisAddr = %q, want both empty", c.DatabaseURL, c.RedisAddr)
	}
	if c.NotifyMaxAttempts != 3 {
		t.Errorf("NotifyMaxAttempts = %d, want 3", c.NotifyMaxAttempts)
	}
	if c.NotifyBackoff() != 500*time.Millisecond || c.NotifyMaxBackoff() != 5*time.Second {
		t.Errorf("backoff = %v..%v, want 500ms..5s", c.NotifyBackoff(), c.NotifyMaxBackoff())
	}
	if c.NotifyAttemptTimeout() != 10*time.Second {
		t.Errorf("NotifyAttemptTimeout = %v, want 10s", c.NotifyAttemptTimeout())
	}
	if c.NotifyCooldown() != 5*time.Minute {
		t.Errorf("NotifyCooldown = %v, want 5m", c.NotifyCooldown())
	}
	if c.NotifyParallelism != 16 {
		t.Errorf("NotifyParallelism = %d, want 16", c.NotifyParallelism)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)

	args := []string{
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-operator-tokens", "a:ops-a,b:ops-b",
		"-alert-tick-seconds", "5",
		"-redis-addr", "redis:6379",
		"-redis-db", "3",
		"-apns-production",
		"-auto-migrate=false",
		"-notify-cooldown-seconds", "60",
		"-notify-max-attempts", "5",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}

	if c.DrainSeconds != 30 {
		t.Errorf("DrainSeconds = %d, want 30", c.DrainSeconds)
	}
	if c.ShutdownBudgetSeconds != 120 {
		t.Errorf("ShutdownBudgetSeconds = %d, want 120", c.ShutdownBudgetSeconds)
	}
	if c.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", c.APIPort)
	}
	if c.OperatorTokens != "a:ops-a,b:ops-b" {
		t.Errorf("OperatorTokens = %q, want %q", c.OperatorTokens, "a:ops-a,b:ops-b")
	}
	if c.AlertInterval() != 5*time.Second {
		t.Errorf("AlertInterval = %v, want 5s", c.AlertInterval())
	}
	if c.RedisAddr != "redis:6379" || c.RedisDB != 3 {
		t.Errorf("Redis = %q/%d, want redis:6379/3", c.RedisAddr, c.RedisDB)
	}
	if !c.APNsProduction {
		t.Error("APNsProduction = false, want true")
	}
	if c.AutoMigrate {
		t.Error("AutoMigrate = true, want false")
	}
	if c.NotifyCooldown() != time.Minute || c.NotifyMaxAttempts != 5 {
		t.Errorf("notify = %v/%d, want 1m/5", c.NotifyCooldown(), c.NotifyMaxAttempts)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mod func(*Config)) Config {
		c := validBase()
		mod(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.AlertTickSeconds, c.IncidentTickSeconds = 1, 1
			}),
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.AlertTickSeconds, c.IncidentTickSeconds = 3600, 3600
				c.DBMaxConns, c.RedisDB = 1000, 15
			}),
			wantErr: false,
		},
		// DrainSeconds boundaries
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:    "drain at upper bound",
			cfg:     with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 300, 300 }),
			wantErr: true, // budget must be greater than drain
		},
		// ShutdownBudgetSeconds boundaries
		{
			name:      "budget negative",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = -1 }),
			wantErr:   true,
			errSubstr: []string{"SHUTDOWN_BUDGET_SECONDS"},
		},
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.ShutdownBudgetSeconds = 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		// APIPort boundaries
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		// Storage
		{
			name:      "negative pool size",
			cfg:       with(func(c *Config) { c.DBMaxConns = -1 }),
			wantErr:   true,
			errSubstr: []string{"DB_MAX_CONNS"},
		},
		{
			name:      "negative slow query threshold",
			cfg:       with(func(c *Config) { c.SlowQueryMillis = -1 }),
			wantErr:   true,
			errSubstr: []string{"SLOW_QUERY_MS"},
		},
		{
			name:      "redis db out of range",
			cfg:       with(func(c *Config) { c.RedisDB = 16 }),
			wantErr:   true,
			errSubstr: []string{"REDIS_DB"},
		},
		// Operators
		{
			name:      "no operator tokens",
			cfg:       with(func(c *Config) { c.OperatorTokens = "" }),
			wantErr:   true,
			errSubstr: []string{"OPERATOR_TOKENS is required"},
		},
		{
			name:      "operator token without name",
			cfg:       with(func(c *Config) { c.OperatorTokens = "secret" }),
			wantErr:   true,
			errSubstr: []string{"want token:operator"},
		},
		// Ticks
		{
			name:      "alert tick zero",
			cfg:       with(func(c *Config) { c.AlertTickSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"ALERT_TICK_SECONDS"},
		},
		{
			name:      "incident tick above max",
			cfg:       with(func(c *Config) { c.IncidentTickSeconds = 3601 }),
			wantErr:   true,
			errSubstr: []string{"INCIDENT_TICK_SECONDS"},
		},
		// Provider groups
		{
			name: "complete twilio group",
			cfg: with(func(c *Config) {
				c.TwilioAccountSID, c.TwilioAuthToken, c.TwilioFrom = "AC1", "tok", "+15550100"
			}),
			wantErr: false,
		},
		{
			name:      "notify attempts zero",
			cfg:       with(func(c *Config) { c.NotifyMaxAttempts = 0 }),
			wantErr:   true,
			errSubstr: []string{"NOTIFY_MAX_ATTEMPTS"},
		},
		{
			name:      "notify backoff cap below initial",
			cfg:       with(func(c *Config) { c.NotifyBackoffMillis, c.NotifyMaxBackoffMillis = 2000, 1000 }),
			wantErr:   true,
			errSubstr: []string{"NOTIFY_MAX_BACKOFF_MS"},
		},
		{
			name:      "notify cooldown above max",
			cfg:       with(func(c *Config) { c.NotifyCooldownSeconds = 86401 }),
			wantErr:   true,
			errSubstr: []string{"NOTIFY_COOLDOWN_SECONDS"},
		},
		{
			name:      "notify timeout and parallelism zero",
			cfg:       with(func(c *Config) { c.NotifyAttemptTimeoutSeconds, c.NotifyParallelism = 0, 0 }),
			wantErr:   true,
			errSubstr: []string{"NOTIFY_ATTEMPT_TIMEOUT_SECONDS", "NOTIFY_PARALLELISM"},
		},
		{
			name:      "partial twilio group",
			cfg:       with(func(c *Config) { c.TwilioAccountSID = "AC1" }),
			wantErr:   true,
			errSubstr: []string{"TWILIO_AUTH_TOKEN"},
		},
		{
			name:      "apns key without ids",
			cfg:       with(func(c *Config) { c.APNsKeyFile = "/etc/lifeline/apns.p8" }),
			wantErr:   true,
			errSubstr: []string{"APNS_KEY_ID"},
		},
		// Error accumulation: all fields invalid
		{
			name:      "all fields invalid",
			cfg:       Config{DBMaxConns: -1, RedisDB: -1},
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT", "DB_MAX_CONNS", "OPERATOR_TOKENS", "ALERT_TICK_SECONDS", "INCIDENT_TICK_SECONDS", "REDIS_DB"},
		},
		// Extreme values
		{
			name: "extreme negative values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = math.MinInt32, math.MinInt32, math.MinInt32
			}),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestOperators(t *testing.T) {
	t.Parallel()

	c := Config{OperatorTokens: " tok-a:ops-alice , tok-b : ops-bob ,"}
	got, err := c.Operators()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"tok-a": "ops-alice", "tok-b": "ops-bob"}, got)

	c.OperatorTokens = "tok-a:ops-alice,tok-a:ops-mallory"
	_, err = c.Operators()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	c.OperatorTokens = "s3cret:"
	_, err = c.Operators()
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "s3cret", "token material leaked into error")
}

func TestOrigins(t *testing.T) {
	t.Parallel()

	c := Config{ConsoleOrigins: "https://ops.example.com, ,https://backup.example.com"}
	assert.Equal(t, []string{"https://ops.example.com", "https://backup.example.com"}, c.Origins())
	assert.Empty(t, (&Config{}).Origins())
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, alertTick, incidentTick int
	}{
		{60, 90, 8080, 10, 60},
		{1, 2, 1, 1, 1},
		{299, 300, 65535, 3600, 3600},
		{0, 0, 0, 0, 0},
		{-1, -1, -1, -1, -1},
		{300, 300, 65535, 10, 60},
		{301, 302, 65536, 3601, 3601},
		{150, 100, 8080, 10, 60},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.alertTick, s.incidentTick)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, alertTick, incidentTick int) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.AlertTickSeconds = alertTick
		c.IncidentTickSeconds = incidentTick
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		ticksOK := alertTick >= 1 && alertTick <= 3600 && incidentTick >= 1 && incidentTick <= 3600

		allValid := drainOK && budgetOK && portOK && crossOK && ticksOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
