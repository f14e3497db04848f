package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Leave    LeaveConfig    `mapstructure:"leave"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// WorkflowConfig holds workflow engine configuration
type WorkflowConfig struct {
	// ConflictRetries bounds how many times a lost conditional write is
	// retried before the action is reported as already taken
	ConflictRetries int `mapstructure:"conflict_retries"`
	// ReimbursementAutoApproveLimit auto-approves reimbursements at or
	// below this amount; zero disables the shortcut
	ReimbursementAutoApproveLimit float64 `mapstructure:"reimbursement_auto_approve_limit"`
}

// LeaveConfig holds leave domain configuration
type LeaveConfig struct {
	PolicyCacheTTL time.Duration `mapstructure:"policy_cache_ttl"`
	Policies       []LeavePolicy `mapstructure:"policies"`
}

// LeavePolicy configures one leave type
type LeavePolicy struct {
	LeaveType        string `mapstructure:"leave_type"`
	RequiresApproval bool   `mapstructure:"requires_approval"`
	MaxDays          int    `mapstructure:"max_days"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	viper.SetDefault("database.path", "data/approvalflow.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.migrations_dir", "migrations")

	// Workflow defaults
	viper.SetDefault("workflow.conflict_retries", 2)
	viper.SetDefault("workflow.reimbursement_auto_approve_limit", 0)

	// Leave defaults
	viper.SetDefault("leave.policy_cache_ttl", 5*time.Minute)

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars() {
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("database.path", "DATABASE_PATH")
	viper.BindEnv("logger.level", "LOG_LEVEL")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Workflow.ConflictRetries < 0 {
		return fmt.Errorf("workflow.conflict_retries must not be negative")
	}
	if c.Workflow.ReimbursementAutoApproveLimit < 0 {
		return fmt.Errorf("workflow.reimbursement_auto_approve_limit must not be negative")
	}
	for _, p := range c.Leave.Policies {
		if p.LeaveType == "" {
			return fmt.Errorf("leave.policies entries require a leave_type")
		}
	}
	return nil
}
