package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Proliferate Gateway - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Agent      AgentConfig      `yaml:"agent"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Leases     LeaseConfig      `yaml:"leases"`
	Expiry     ExpiryConfig     `yaml:"expiry"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Billing    BillingConfig    `yaml:"billing"`
	Security   SecurityConfig   `yaml:"security"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
}

type ServerConfig struct {
	Port            string   `yaml:"port"`
	Env             string   `yaml:"env"`
	PublicURL       string   `yaml:"public_url"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_sec"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxOpenConn int    `yaml:"max_open_conn"`
	MaxIdleConn int    `yaml:"max_idle_conn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AgentConfig covers the upstream coding agent reachable through each
// sandbox's tunnel URL.
type AgentConfig struct {
	HeartbeatTimeoutSec int   `yaml:"heartbeat_timeout_sec"`
	ReadTimeoutSec      int   `yaml:"read_timeout_sec"`
	ReconnectDelaysSec  []int `yaml:"reconnect_delays_sec"`
}

type SandboxConfig struct {
	Provider      string `yaml:"provider"`
	Image         string `yaml:"image"`
	AppName       string `yaml:"app_name"`
	VersionKey    string `yaml:"version_key"`
	WorkspacePath string `yaml:"workspace_path"`
	TTLMinutes    int    `yaml:"ttl_minutes"`
}

type LeaseConfig struct {
	OwnerTTLSec   int `yaml:"owner_ttl_sec"`
	RuntimeTTLSec int `yaml:"runtime_ttl_sec"`
}

type ExpiryConfig struct {
	GraceMinutes    int `yaml:"grace_minutes"`
	IdleDelayMin    int `yaml:"idle_delay_min"`
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

// CloudTasksConfig for the managed delayed-job backend. When disabled, the
// gateway runs the Redis-backed queue instead.
type CloudTasksConfig struct {
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
	Enabled    bool   `yaml:"enabled"`
}

// PubSubConfig for the session event bus.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
	Enabled   bool   `yaml:"enabled"`
}

type BillingConfig struct {
	ServiceURL string `yaml:"service_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type SecurityConfig struct {
	ServiceToken string `yaml:"service_token"`
	GatewayURL   string `yaml:"gateway_url"`
}

type SweeperConfig struct {
	IntervalMin int `yaml:"interval_min"`
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("Config: failed to load config file: (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("GATEWAY_ENV", c.Server.Env)
	c.Server.PublicURL = getEnv("GATEWAY_PUBLIC_URL", c.Server.PublicURL)
	if origins := getEnv("GATEWAY_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = splitCSV(origins)
	}

	// Database
	c.Database.PostgresDSN = getEnv("DATABASE_URL", c.Database.PostgresDSN)

	// Redis
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	// Agent stream
	if v := getEnvInt("AGENT_HEARTBEAT_TIMEOUT_SEC", 0); v > 0 {
		c.Agent.HeartbeatTimeoutSec = v
	}
	if v := getEnvInt("AGENT_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Agent.ReadTimeoutSec = v
	}

	// Sandbox provider
	c.Sandbox.Provider = getEnv("SANDBOX_PROVIDER", c.Sandbox.Provider)
	c.Sandbox.Image = getEnv("SANDBOX_IMAGE", c.Sandbox.Image)
	c.Sandbox.AppName = getEnv("SANDBOX_APP_NAME", c.Sandbox.AppName)
	c.Sandbox.VersionKey = getEnv("SANDBOX_VERSION_KEY", c.Sandbox.VersionKey)
	c.Sandbox.WorkspacePath = getEnv("SANDBOX_WORKSPACE_PATH", c.Sandbox.WorkspacePath)
	if v := getEnvInt("SANDBOX_TTL_MINUTES", 0); v > 0 {
		c.Sandbox.TTLMinutes = v
	}

	// Leases
	if v := getEnvInt("OWNER_LEASE_TTL_SEC", 0); v > 0 {
		c.Leases.OwnerTTLSec = v
	}
	if v := getEnvInt("RUNTIME_LEASE_TTL_SEC", 0); v > 0 {
		c.Leases.RuntimeTTLSec = v
	}

	// Expiry
	if v := getEnvInt("EXPIRY_GRACE_MINUTES", 0); v > 0 {
		c.Expiry.GraceMinutes = v
	}
	if v := getEnvInt("IDLE_SNAPSHOT_DELAY_MIN", 0); v > 0 {
		c.Expiry.IdleDelayMin = v
	}

	// Cloud Tasks
	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.CloudTasks.ProjectID = projectID
		c.PubSub.ProjectID = projectID // share project
	}
	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	// Pub/Sub
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	// Billing
	c.Billing.ServiceURL = getEnv("BILLING_SERVICE_URL", c.Billing.ServiceURL)

	// Security
	c.Security.ServiceToken = getEnv("PROLIFERATE_SERVICE_TOKEN", c.Security.ServiceToken)
	c.Security.GatewayURL = getEnv("PROLIFERATE_GATEWAY_URL", c.Security.GatewayURL)

	// Sweeper
	if v := getEnvInt("SWEEPER_INTERVAL_MIN", 0); v > 0 {
		c.Sweeper.IntervalMin = v
	}

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Database.MaxOpenConn == 0 {
		c.Database.MaxOpenConn = 20
	}
	if c.Database.MaxIdleConn == 0 {
		c.Database.MaxIdleConn = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Agent.HeartbeatTimeoutSec == 0 {
		c.Agent.HeartbeatTimeoutSec = 60
	}
	if c.Agent.ReadTimeoutSec == 0 {
		c.Agent.ReadTimeoutSec = 45
	}
	if len(c.Agent.ReconnectDelaysSec) == 0 {
		c.Agent.ReconnectDelaysSec = []int{1, 2, 5, 10, 30}
	}
	if c.Sandbox.Provider == "" {
		c.Sandbox.Provider = "docker"
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = "proliferate-sandbox:latest"
	}
	if c.Sandbox.AppName == "" {
		c.Sandbox.AppName = "proliferate"
	}
	if c.Sandbox.WorkspacePath == "" {
		c.Sandbox.WorkspacePath = "/workspace"
	}
	if c.Sandbox.TTLMinutes == 0 {
		c.Sandbox.TTLMinutes = 60
	}
	if c.Leases.OwnerTTLSec == 0 {
		c.Leases.OwnerTTLSec = 30
	}
	if c.Leases.RuntimeTTLSec == 0 {
		c.Leases.RuntimeTTLSec = 30
	}
	if c.Expiry.GraceMinutes == 0 {
		c.Expiry.GraceMinutes = 5
	}
	if c.Expiry.IdleDelayMin == 0 {
		c.Expiry.IdleDelayMin = 5
	}
	if c.Expiry.PollIntervalSec == 0 {
		c.Expiry.PollIntervalSec = 5
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "session-expiry"
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "session-events"
	}
	if c.Billing.TimeoutSec == 0 {
		c.Billing.TimeoutSec = 10
	}
	if c.Sweeper.IntervalMin == 0 {
		c.Sweeper.IntervalMin = 15
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// OwnerLeaseTTL returns the owner lease TTL as a duration.
func (c *Config) OwnerLeaseTTL() time.Duration {
	return time.Duration(c.Leases.OwnerTTLSec) * time.Second
}

// RuntimeLeaseTTL returns the runtime lease TTL as a duration.
func (c *Config) RuntimeLeaseTTL() time.Duration {
	return time.Duration(c.Leases.RuntimeTTLSec) * time.Second
}

// IdleSnapshotDelay returns how long a hub stays resident after its last
// client disconnects before an idle snapshot is attempted.
func (c *Config) IdleSnapshotDelay() time.Duration {
	return time.Duration(c.Expiry.IdleDelayMin) * time.Minute
}

// ExpiryGrace returns the safety margin subtracted from a sandbox TTL when
// scheduling the expiry job.
func (c *Config) ExpiryGrace() time.Duration {
	return time.Duration(c.Expiry.GraceMinutes) * time.Minute
}

// ReconnectDelays returns the backoff vector for stream reconnects.
func (c *Config) ReconnectDelays() []time.Duration {
	out := make([]time.Duration, len(c.Agent.ReconnectDelaysSec))
	for i, s := range c.Agent.ReconnectDelaysSec {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
