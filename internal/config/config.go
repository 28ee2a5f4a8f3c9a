package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// WOPR Fleet Control Plane - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Fleet         FleetConfig         `yaml:"fleet"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	CircuitBreak  CircuitBreakConfig  `yaml:"circuit_breaker"`
	Billing       BillingConfig       `yaml:"billing"`
	Vault         VaultConfig         `yaml:"vault"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Profiles      ProfileConfig       `yaml:"profiles"`
	PubSub        PubSubConfig        `yaml:"pubsub"`
	CloudTasks    CloudTasksConfig    `yaml:"cloud_tasks"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	SocketGateway SocketGatewayConfig `yaml:"socket_gateway"`
	NodeAgent     NodeAgentConfig     `yaml:"node_agent"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig describes the relational store backing the ledger, tenant
// status, and fleet repositories.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_minutes"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FleetConfig tunes the heartbeat watchdog and placement/recovery.
type FleetConfig struct {
	HeartbeatPollIntervalSec int   `yaml:"heartbeat_poll_interval_sec"`
	UnhealthyThresholdSec    int64 `yaml:"unhealthy_threshold_sec"`
	OfflineThresholdSec      int64 `yaml:"offline_threshold_sec"`
	DefaultRetentionHours    int   `yaml:"default_retention_hours"`
	CommandTimeoutSec        int   `yaml:"command_timeout_sec"`
}

// GatewayConfig tunes the metered inference proxy.
type GatewayConfig struct {
	MinBalanceCredits    int64   `yaml:"min_balance_credits"`
	DefaultMarginPercent float64 `yaml:"default_margin_percent"`
	SpendCacheTTLSec     int     `yaml:"spend_cache_ttl_sec"`
}

// CircuitBreakConfig tunes the per-instance token-window breaker.
type CircuitBreakConfig struct {
	MaxRequestsPerWindow int `yaml:"max_requests_per_window"`
	WindowMs             int `yaml:"window_ms"`
	PauseDurationMs      int `yaml:"pause_duration_ms"`
}

// BillingConfig tunes auto-topup.
type BillingConfig struct {
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	SchedulePollIntervalS  int `yaml:"schedule_poll_interval_sec"`
}

// VaultConfig holds the symmetric secret for credential vault encryption.
type VaultConfig struct {
	MasterSecret string `yaml:"master_secret"`
}

// WebhookConfig tunes the payment webhook reconciler.
type WebhookConfig struct {
	SigningSecret    string `yaml:"signing_secret"`
	WorkerCount      int    `yaml:"worker_count"`
	SigPenaltyWindow int    `yaml:"sig_penalty_window_sec"`
}

// ProfileConfig tunes the bot profile store.
type ProfileConfig struct {
	DataDir string `yaml:"data_dir"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type CloudTasksConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ProjectID  string `yaml:"project_id"`
	LocationID string `yaml:"location_id"`
	QueueID    string `yaml:"queue_id"`
}

type MonitoringConfig struct {
	ErrorRateThresholdPercent float64 `yaml:"error_rate_threshold_percent"`
	DebitSpikeThreshold       int     `yaml:"debit_spike_threshold"`
	CheckIntervalSec          int     `yaml:"check_interval_sec"`
}

type SocketGatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NodeAgentConfig configures the cmd/nodeagent binary: the Docker-backed
// worker agent the control plane commands over the node websocket.
type NodeAgentConfig struct {
	NodeID               string `yaml:"node_id"`
	Host                 string `yaml:"host"`
	ControlPlaneURL      string `yaml:"control_plane_url"`
	CapacityMB           int64  `yaml:"capacity_mb"`
	AgentVersion         string `yaml:"agent_version"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	DockerRuntime        string `yaml:"docker_runtime"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance. cmd/ entrypoints
// call this; every other package receives *Config by constructor argument.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
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

// applyEnvOverrides applies environment variable overrides, then fills in defaults.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("WOPR_ENV", c.Server.Env)
	c.Server.Interface = getEnv("WOPR_INTERFACE", c.Server.Interface)
	if v := getEnvInt("READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)
	if v := getEnvInt("DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", -1); v >= 0 {
		c.Redis.DB = v
	}

	if v := getEnvInt("HEARTBEAT_POLL_INTERVAL_SEC", 0); v > 0 {
		c.Fleet.HeartbeatPollIntervalSec = v
	}
	if v := getEnvInt("UNHEALTHY_THRESHOLD_SEC", 0); v > 0 {
		c.Fleet.UnhealthyThresholdSec = int64(v)
	}
	if v := getEnvInt("OFFLINE_THRESHOLD_SEC", 0); v > 0 {
		c.Fleet.OfflineThresholdSec = int64(v)
	}

	if v := getEnvInt("GATEWAY_MIN_BALANCE_CREDITS", 0); v > 0 {
		c.Gateway.MinBalanceCredits = int64(v)
	}
	if v := getEnvFloat("GATEWAY_DEFAULT_MARGIN_PERCENT", 0); v > 0 {
		c.Gateway.DefaultMarginPercent = v
	}

	c.Vault.MasterSecret = getEnv("VAULT_MASTER_SECRET", c.Vault.MasterSecret)

	c.Webhook.SigningSecret = getEnv("WEBHOOK_SIGNING_SECRET", c.Webhook.SigningSecret)
	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhook.WorkerCount = v
	}

	c.Profiles.DataDir = getEnv("PROFILES_DATA_DIR", c.Profiles.DataDir)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
		c.CloudTasks.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.CloudTasks.LocationID = getEnv("CLOUD_TASKS_LOCATION", c.CloudTasks.LocationID)
	c.CloudTasks.QueueID = getEnv("CLOUD_TASKS_QUEUE", c.CloudTasks.QueueID)
	c.CloudTasks.Enabled = getEnvBool("CLOUD_TASKS_ENABLED", c.CloudTasks.Enabled)

	c.SocketGateway.Enabled = getEnvBool("SOCKET_GATEWAY_ENABLED", c.SocketGateway.Enabled)
	c.SocketGateway.Addr = getEnv("SOCKET_GATEWAY_ADDR", c.SocketGateway.Addr)

	c.NodeAgent.NodeID = getEnv("NODE_ID", c.NodeAgent.NodeID)
	c.NodeAgent.Host = getEnv("NODE_HOST", c.NodeAgent.Host)
	c.NodeAgent.ControlPlaneURL = getEnv("CONTROL_PLANE_URL", c.NodeAgent.ControlPlaneURL)
	if v := getEnvInt("NODE_CAPACITY_MB", 0); v > 0 {
		c.NodeAgent.CapacityMB = int64(v)
	}
	c.NodeAgent.AgentVersion = getEnv("NODE_AGENT_VERSION", c.NodeAgent.AgentVersion)
	if v := getEnvInt("NODE_HEARTBEAT_INTERVAL_SEC", 0); v > 0 {
		c.NodeAgent.HeartbeatIntervalSec = v
	}
	c.NodeAgent.DockerRuntime = getEnv("NODE_DOCKER_RUNTIME", c.NodeAgent.DockerRuntime)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields.
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
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Fleet.HeartbeatPollIntervalSec == 0 {
		c.Fleet.HeartbeatPollIntervalSec = 1
	}
	if c.Fleet.UnhealthyThresholdSec == 0 {
		c.Fleet.UnhealthyThresholdSec = 90
	}
	if c.Fleet.OfflineThresholdSec == 0 {
		c.Fleet.OfflineThresholdSec = 300
	}
	if c.Fleet.DefaultRetentionHours == 0 {
		c.Fleet.DefaultRetentionHours = 72
	}
	if c.Fleet.CommandTimeoutSec == 0 {
		c.Fleet.CommandTimeoutSec = 30
	}
	if c.Gateway.MinBalanceCredits == 0 {
		c.Gateway.MinBalanceCredits = 17
	}
	if c.Gateway.DefaultMarginPercent == 0 {
		c.Gateway.DefaultMarginPercent = 0.20
	}
	if c.Gateway.SpendCacheTTLSec == 0 {
		c.Gateway.SpendCacheTTLSec = 60
	}
	if c.CircuitBreak.MaxRequestsPerWindow == 0 {
		c.CircuitBreak.MaxRequestsPerWindow = 100
	}
	if c.CircuitBreak.WindowMs == 0 {
		c.CircuitBreak.WindowMs = 10_000
	}
	if c.CircuitBreak.PauseDurationMs == 0 {
		c.CircuitBreak.PauseDurationMs = 300_000
	}
	if c.Billing.MaxConsecutiveFailures == 0 {
		c.Billing.MaxConsecutiveFailures = 3
	}
	if c.Billing.SchedulePollIntervalS == 0 {
		c.Billing.SchedulePollIntervalS = 60
	}
	if c.Webhook.WorkerCount == 0 {
		c.Webhook.WorkerCount = 4
	}
	if c.Webhook.SigPenaltyWindow == 0 {
		c.Webhook.SigPenaltyWindow = 300
	}
	if c.Profiles.DataDir == "" {
		c.Profiles.DataDir = "./data/profiles"
	}
	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "wopr-fleet-events"
	}
	if c.CloudTasks.LocationID == "" {
		c.CloudTasks.LocationID = "us-central1"
	}
	if c.CloudTasks.QueueID == "" {
		c.CloudTasks.QueueID = "wopr-billing"
	}
	if c.Monitoring.ErrorRateThresholdPercent == 0 {
		c.Monitoring.ErrorRateThresholdPercent = 5.0
	}
	if c.Monitoring.DebitSpikeThreshold == 0 {
		c.Monitoring.DebitSpikeThreshold = 10
	}
	if c.Monitoring.CheckIntervalSec == 0 {
		c.Monitoring.CheckIntervalSec = 30
	}
	if c.NodeAgent.ControlPlaneURL == "" {
		c.NodeAgent.ControlPlaneURL = "http://localhost:8080"
	}
	if c.NodeAgent.CapacityMB == 0 {
		c.NodeAgent.CapacityMB = 8192
	}
	if c.NodeAgent.AgentVersion == "" {
		c.NodeAgent.AgentVersion = "wopr-nodeagent/dev"
	}
	if c.NodeAgent.HeartbeatIntervalSec == 0 {
		c.NodeAgent.HeartbeatIntervalSec = 15
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

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
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

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
