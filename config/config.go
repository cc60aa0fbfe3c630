package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"mailsync/models"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
}

// ProviderConfig points at the grant-based mail API.
type ProviderConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"-"`
	Timeout time.Duration `json:"timeout"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	MaxConcurrent    int           `json:"max_concurrent"`
	PageSize         int           `json:"page_size"`
	ExecutionLimit   time.Duration `json:"execution_limit"`
	BudgetFraction   float64       `json:"budget_fraction"`
	StuckAfter       time.Duration `json:"stuck_after"`
	ProgressEvery    int           `json:"progress_every"`
	StopPollEvery    int           `json:"stop_poll_every"`
	InterPageDelay   time.Duration `json:"inter_page_delay"`
	MaxRetries       int           `json:"max_retries"`
	MaxContinuations int           `json:"max_continuations"`
	FallbackTotal    int           `json:"fallback_total"`

	// ContinuationMode is "http" (self-call through SelfURL) or "local".
	ContinuationMode string `json:"continuation_mode"`
	SelfURL          string `json:"self_url"`
	ResumeSchedule   string `json:"resume_schedule"`

	CircuitThreshold   int           `json:"circuit_threshold"`
	CircuitWindow      time.Duration `json:"circuit_window"`
	CircuitCooldown    time.Duration `json:"circuit_cooldown"`
	CircuitMaxCooldown time.Duration `json:"circuit_max_cooldown"`
}

// Budget is the share of the execution limit a single loop invocation may use.
func (s SyncConfig) Budget() time.Duration {
	return time.Duration(float64(s.ExecutionLimit) * s.BudgetFraction)
}

type Config struct {
	Environment    string         `json:"environment"`
	LogLevel       string         `json:"log_level"`
	Google         OAuthConfig    `json:"google"`
	EncryptionKey  string         `json:"-"`
	JWTSecret      string         `json:"-"`
	SentryDSN      string         `json:"-"`
	ServerPort     string         `json:"server_port"`
	AllowedOrigins []string       `json:"allowed_origins"`
	DBHost         string         `json:"db_host"`
	DBPort         string         `json:"db_port"`
	DBUser         string         `json:"db_user"`
	DBPassword     string         `json:"-"`
	DBName         string         `json:"db_name"`
	DBSSLMode      string         `json:"db_ssl_mode"`
	DBMaxIdleConns int            `json:"db_max_idle_conns"`
	DBMaxOpenConns int            `json:"db_max_open_conns"`
	Redis          RedisConfig    `json:"redis"`
	NATSURL        string         `json:"nats_url"`
	Provider       ProviderConfig `json:"provider"`
	RateLimitStart int            `json:"rate_limit_start"`
	Sync           SyncConfig     `json:"sync"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Google: OAuthConfig{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			RedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
		},
		EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		SentryDSN:      getEnv("SENTRY_DSN", ""),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "mailsync"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATSURL: getEnv("NATS_URL", ""),
		Provider: ProviderConfig{
			BaseURL: getEnv("PROVIDER_API_URL", "https://api.us.nylas.com"),
			APIKey:  getEnv("PROVIDER_API_KEY", ""),
			Timeout: getEnvAsDuration("PROVIDER_TIMEOUT", 30*time.Second),
		},
		RateLimitStart: getEnvAsInt("RATE_LIMIT_SYNC_START", 20),
		Sync: SyncConfig{
			MaxConcurrent:      getEnvAsInt("SYNC_MAX_CONCURRENT", 10),
			PageSize:           getEnvAsInt("SYNC_PAGE_SIZE", 200),
			ExecutionLimit:     getEnvAsDuration("SYNC_EXECUTION_LIMIT", 5*time.Minute),
			BudgetFraction:     getEnvAsFloat("SYNC_BUDGET_FRACTION", 0.9),
			StuckAfter:         getEnvAsDuration("SYNC_STUCK_AFTER", 10*time.Minute),
			ProgressEvery:      getEnvAsInt("SYNC_PROGRESS_EVERY", 5),
			StopPollEvery:      getEnvAsInt("SYNC_STOP_POLL_EVERY", 3),
			InterPageDelay:     getEnvAsDuration("SYNC_INTER_PAGE_DELAY", 250*time.Millisecond),
			MaxRetries:         getEnvAsInt("SYNC_MAX_RETRIES", 3),
			MaxContinuations:   getEnvAsInt("SYNC_MAX_CONTINUATIONS", 500),
			FallbackTotal:      getEnvAsInt("SYNC_FALLBACK_TOTAL", 10000),
			ContinuationMode:   getEnv("SYNC_CONTINUATION_MODE", "http"),
			SelfURL:            getEnv("SYNC_SELF_URL", "http://localhost:5000"),
			ResumeSchedule:     getEnv("SYNC_RESUME_SCHEDULE", "@every 1m"),
			CircuitThreshold:   getEnvAsInt("CIRCUIT_THRESHOLD", 5),
			CircuitWindow:      getEnvAsDuration("CIRCUIT_WINDOW", time.Minute),
			CircuitCooldown:    getEnvAsDuration("CIRCUIT_COOLDOWN", 30*time.Second),
			CircuitMaxCooldown: getEnvAsDuration("CIRCUIT_MAX_COOLDOWN", 5*time.Minute),
		},
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if n := len(AppConfig.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 16, 24 or 32 bytes, got %d", n)
	}
	if AppConfig.Sync.PageSize <= 0 {
		return fmt.Errorf("SYNC_PAGE_SIZE must be positive")
	}
	if AppConfig.Sync.BudgetFraction <= 0 || AppConfig.Sync.BudgetFraction > 1 {
		return fmt.Errorf("SYNC_BUDGET_FRACTION must be in (0, 1]")
	}
	switch AppConfig.Sync.ContinuationMode {
	case "http", "local":
	default:
		return fmt.Errorf("SYNC_CONTINUATION_MODE must be http or local, got %q", AppConfig.Sync.ContinuationMode)
	}
	if AppConfig.Environment == "production" && AppConfig.Provider.APIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required in production")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.Infof("Using connection string: %s", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("✅ Successfully connected to the database")
	logrus.Info("🔄 Starting database migration...")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration accepts Go duration strings ("90s") or plain seconds ("90").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment": AppConfig.Environment,
		"server_port": AppConfig.ServerPort,
		"database": fmt.Sprintf("%s@%s:%s/%s",
			AppConfig.DBUser,
			AppConfig.DBHost,
			AppConfig.DBPort,
			AppConfig.DBName),
		"redis":             AppConfig.Redis.Enabled,
		"nats":              AppConfig.NATSURL != "",
		"sync_concurrency":  AppConfig.Sync.MaxConcurrent,
		"sync_budget":       AppConfig.Sync.Budget().String(),
		"continuation_mode": AppConfig.Sync.ContinuationMode,
		"google_oauth":      AppConfig.Google.ClientID != "",
	}).Info("🔧 Loaded configuration")
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.MailAccount{},
		&models.SyncedEmail{},
	)
}
