package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Database      DatabaseConfig      `mapstructure:"database"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Assistant     AssistantConfig     `mapstructure:"assistant"`
	Visualization VisualizationConfig `mapstructure:"visualization"`
	Whoop         WhoopConfig         `mapstructure:"whoop"`
	Sync          SyncConfig          `mapstructure:"sync"`
	Log           LogConfig           `mapstructure:"log"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	Debug bool   `mapstructure:"debug"`
}

// DatabaseConfig describes the shared health database. Driver is either
// "postgres" or "sqlite3"; Path and UseInMemory only apply to sqlite3.
type DatabaseConfig struct {
	Driver        string `mapstructure:"driver"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	DBName        string `mapstructure:"dbname"`
	SSLMode       string `mapstructure:"sslmode"`
	Path          string `mapstructure:"path"`
	UseInMemory   bool   `mapstructure:"use_in_memory"`
	NotifyChannel string `mapstructure:"notify_channel"`
}

type LLMConfig struct {
	Provider string        `mapstructure:"provider"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AssistantConfig struct {
	UserID       int64         `mapstructure:"user_id"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	CacheSize    int           `mapstructure:"cache_size"`
	ReadOnlySQL  bool          `mapstructure:"read_only_sql"`
	PreviewRows  int           `mapstructure:"preview_rows"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

type VisualizationConfig struct {
	OutputDir     string        `mapstructure:"output_dir"`
	Sandbox       string        `mapstructure:"sandbox"`
	Python        string        `mapstructure:"python"`
	DockerImage   string        `mapstructure:"docker_image"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MemoryLimitMB int           `mapstructure:"memory_limit_mb"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type WhoopConfig struct {
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	AuthURL    string        `mapstructure:"auth_url"`
	APIURL     string        `mapstructure:"api_url"`
	MaxRecords int           `mapstructure:"max_records"`
	PageSize   int           `mapstructure:"page_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SyncConfig holds the date range and trigger settings. Dates use the
// YYYY-MM-DD layout; when StartDate is empty the range is the last
// LookbackDays days.
type SyncConfig struct {
	StartDate    string `mapstructure:"start_date"`
	EndDate      string `mapstructure:"end_date"`
	LookbackDays int    `mapstructure:"lookback_days"`
	ListenAddr   string `mapstructure:"listen_addr"`
	AuthSecret   string `mapstructure:"auth_secret"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.debug", false)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "health_monitor_whoop")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "health_monitor_whoop.db")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("database.notify_channel", "whoop_synced")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.timeout", 2*time.Minute)

	v.SetDefault("assistant.user_id", 21406427)
	v.SetDefault("assistant.cache_ttl", time.Hour)
	v.SetDefault("assistant.cache_size", 256)
	v.SetDefault("assistant.read_only_sql", true)
	v.SetDefault("assistant.preview_rows", 5)
	v.SetDefault("assistant.query_timeout", 30*time.Second)
	v.SetDefault("assistant.history_limit", 50)

	v.SetDefault("visualization.output_dir", "visualizations")
	v.SetDefault("visualization.sandbox", "process")
	v.SetDefault("visualization.python", "python3")
	v.SetDefault("visualization.docker_image", "whoop-insight-viz:latest")
	v.SetDefault("visualization.timeout", 60*time.Second)
	v.SetDefault("visualization.memory_limit_mb", 512)
	v.SetDefault("visualization.max_attempts", 3)
	v.SetDefault("visualization.retry_delay", 2*time.Second)

	v.SetDefault("whoop.username", "")
	v.SetDefault("whoop.password", "")
	v.SetDefault("whoop.auth_url", "https://api-7.whoop.com")
	v.SetDefault("whoop.api_url", "https://api.prod.whoop.com/developer")
	v.SetDefault("whoop.max_records", 500)
	v.SetDefault("whoop.page_size", 25)
	v.SetDefault("whoop.timeout", 30*time.Second)

	v.SetDefault("sync.start_date", "")
	v.SetDefault("sync.end_date", "")
	v.SetDefault("sync.lookback_days", 7)
	v.SetDefault("sync.listen_addr", ":8080")
	v.SetDefault("sync.auth_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// LoadConfig reads path (if it exists) on top of the defaults and the
// environment. A .env file in the working directory is loaded first.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.NotifyChannel = config.Database.NotifyChannel
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if config.LLM.APIKey == "" {
		config.LLM.APIKey = providerKeyFromEnv(v, config.LLM.Provider)
	}
	if username := v.GetString("WHOOP_USERNAME"); username != "" {
		config.Whoop.Username = username
	}
	if password := v.GetString("WHOOP_PASSWORD"); password != "" {
		config.Whoop.Password = password
	}
	if secret := v.GetString("SYNC_AUTH_SECRET"); secret != "" {
		config.Sync.AuthSecret = secret
	}

	return &config, nil
}

func providerKeyFromEnv(v *viper.Viper, provider string) string {
	switch provider {
	case "gemini":
		return v.GetString("GEMINI_API_KEY")
	case "anthropic":
		return v.GetString("ANTHROPIC_API_KEY")
	default:
		return v.GetString("OPENAI_API_KEY")
	}
}

// ValidateAssistant reports settings the assistant bot cannot start without.
func (c *Config) ValidateAssistant() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token (TELEGRAM_TOKEN) is required"))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm.api_key is required for provider %q", c.LLM.Provider))
	}
	switch c.Visualization.Sandbox {
	case "process", "docker":
	default:
		errs = append(errs, fmt.Errorf("unknown visualization.sandbox %q", c.Visualization.Sandbox))
	}
	if err := c.validateDatabase(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateSync reports settings the synchronizer cannot start without.
func (c *Config) ValidateSync() error {
	var errs []error
	if c.Whoop.Username == "" || c.Whoop.Password == "" {
		errs = append(errs, errors.New("whoop.username and whoop.password (WHOOP_USERNAME/WHOOP_PASSWORD) are required"))
	}
	if c.Whoop.MaxRecords <= 0 {
		errs = append(errs, errors.New("whoop.max_records must be positive"))
	}
	if err := c.validateDatabase(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
		return nil
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
}
