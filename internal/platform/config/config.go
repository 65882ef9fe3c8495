package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	strutil "exambridge/pkg/platform/strings"
)

// Config is the process configuration shared by the main server and the
// center admin binary. Each binary reads the sections it needs.
type Config struct {
	Environment string
	LogLevel    string
	LogFormat   string

	Server   Server
	Postgres Postgres
	Redis    RedisConfig
	Kafka    Kafka
	Token    Token
	Crypto   Crypto
	Session  Session
	Sync     Sync
	Center   Center

	RateLimit RateLimit
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	AdminToken    string
	JWTSigningKey string
	CenterJWTTTL  time.Duration
}

// Postgres configures the database/sql pool. An empty URL selects the
// in-memory stores.
type Postgres struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrateOnStart  bool
}

// RedisConfig configures the key release store. An empty URL selects the
// in-memory release store.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the audit sink. No brokers means audit events stay in
// memory.
type Kafka struct {
	Brokers           []string
	AuditTopic        string
	Partitions        int32
	ReplicationFactor int16
}

// Token configures access token issuance and the expiry sweep.
type Token struct {
	DefaultTTL      time.Duration
	DefaultMaxUsage int
	SweepInterval   time.Duration
}

// Crypto configures paper key wrapping and key release.
type Crypto struct {
	// KEK is the base64 32-byte local key-encryption key. Ignored when
	// KMSKeyID is set.
	KEK           string
	KMSKeyID      string
	ReleaseTTL    time.Duration
	ReleaseWindow time.Duration
}

// Session configures the session backstop sweep on the center tier.
// Heartbeat cadence comes from the lockdown file.
type Session struct {
	SweepInterval time.Duration
}

// Sync configures the center sync loop.
type Sync struct {
	Interval  time.Duration
	BatchSize int
	Timeout   time.Duration
}

// Center configures the center admin binary.
type Center struct {
	LANAddr      string
	MainURL      string
	Code         string
	Password     string
	AgeIdentity  string
	ExamID       string
	ShiftID      string
	LockdownFile string
}

// RateLimit configures per-client request budgets and center login
// lockout. Budgets are requests per minute.
type RateLimit struct {
	Disabled          bool
	LoginPerMinute    int
	ValidatePerMinute int
	AdmitPerMinute    int
	LockoutAttempts   int
	LockoutWindow     time.Duration
	LockoutDuration   time.Duration
}

// FromEnv builds a Config from the environment. A .env file in the working
// directory is loaded first when present; real environment variables win.
func FromEnv() Config {
	_ = godotenv.Load()

	return Config{
		Environment: getEnv("EXAMBRIDGE_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),
		Server: Server{
			Addr:          getEnv("EXAMBRIDGE_ADDR", ":8080"),
			AdminToken:    getEnv("ADMIN_API_TOKEN", "dev-admin-token"),
			JWTSigningKey: getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			CenterJWTTTL:  getDuration("CENTER_JWT_TTL", 12*time.Hour),
		},
		Postgres: Postgres{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getInt("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrateOnStart:  getBool("DB_MIGRATE_ON_START", true),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: Kafka{
			Brokers:           getList("KAFKA_BROKERS"),
			AuditTopic:        getEnv("KAFKA_AUDIT_TOPIC", "exambridge.audit"),
			Partitions:        int32(getInt("KAFKA_AUDIT_PARTITIONS", 3)),
			ReplicationFactor: int16(getInt("KAFKA_AUDIT_REPLICATION", 1)),
		},
		Token: Token{
			DefaultTTL:      getDuration("TOKEN_DEFAULT_TTL", 24*time.Hour),
			DefaultMaxUsage: getInt("TOKEN_DEFAULT_MAX_USAGE", 0),
			SweepInterval:   getDuration("TOKEN_SWEEP_INTERVAL", time.Minute),
		},
		Crypto: Crypto{
			KEK:           os.Getenv("PAPER_KEK"),
			KMSKeyID:      os.Getenv("PAPER_KMS_KEY_ID"),
			ReleaseTTL:    getDuration("KEY_RELEASE_TTL", 2*time.Hour),
			ReleaseWindow: getDuration("KEY_RELEASE_WINDOW", 30*time.Minute),
		},
		Session: Session{
			SweepInterval: getDuration("SESSION_SWEEP_INTERVAL", 15*time.Second),
		},
		Sync: Sync{
			Interval:  getDuration("SYNC_INTERVAL", time.Minute),
			BatchSize: getInt("SYNC_BATCH_SIZE", 50),
			Timeout:   getDuration("SYNC_TIMEOUT", 30*time.Second),
		},
		Center: Center{
			LANAddr:      getEnv("CENTER_LAN_ADDR", ":8090"),
			MainURL:      getEnv("MAIN_SERVER_URL", "http://localhost:8080"),
			Code:         os.Getenv("CENTER_CODE"),
			Password:     os.Getenv("CENTER_PASSWORD"),
			AgeIdentity:  os.Getenv("CENTER_AGE_IDENTITY"),
			ExamID:       os.Getenv("CENTER_EXAM_ID"),
			ShiftID:      os.Getenv("CENTER_SHIFT_ID"),
			LockdownFile: os.Getenv("LOCKDOWN_FILE"),
		},
		RateLimit: RateLimit{
			Disabled:          getBool("RATE_LIMIT_DISABLED", false),
			LoginPerMinute:    getInt("RATE_LIMIT_LOGIN_PER_MINUTE", 10),
			ValidatePerMinute: getInt("RATE_LIMIT_VALIDATE_PER_MINUTE", 60),
			AdmitPerMinute:    getInt("RATE_LIMIT_ADMIT_PER_MINUTE", 30),
			LockoutAttempts:   getInt("LOGIN_LOCKOUT_ATTEMPTS", 5),
			LockoutWindow:     getDuration("LOGIN_LOCKOUT_WINDOW", 15*time.Minute),
			LockoutDuration:   getDuration("LOGIN_LOCKOUT_DURATION", 15*time.Minute),
		},
	}
}

// RegisterFlags binds command-line overrides for the most commonly tuned
// values. Call before flags.Parse.
func (c *Config) RegisterFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	flags.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format (json, text)")
	flags.StringVar(&c.Server.Addr, "addr", c.Server.Addr, "main server listen address")
	flags.StringVar(&c.Postgres.URL, "database-url", c.Postgres.URL, "postgres connection URL (empty: in-memory stores)")
	flags.StringVar(&c.Redis.URL, "redis-url", c.Redis.URL, "redis URL for key release (empty: in-memory)")
	flags.StringSliceVar(&c.Kafka.Brokers, "kafka-brokers", c.Kafka.Brokers, "kafka brokers for audit events")
	flags.DurationVar(&c.Sync.Interval, "sync-interval", c.Sync.Interval, "center sync loop interval")
	flags.IntVar(&c.Sync.BatchSize, "sync-batch-size", c.Sync.BatchSize, "sessions per sync batch")
	flags.StringVar(&c.Center.LANAddr, "lan-addr", c.Center.LANAddr, "center LAN listen address")
	flags.StringVar(&c.Center.MainURL, "main-url", c.Center.MainURL, "main server base URL")
	flags.StringVar(&c.Center.LockdownFile, "lockdown", c.Center.LockdownFile, "lockdown JSONC file")
	flags.BoolVar(&c.RateLimit.Disabled, "no-rate-limit", c.RateLimit.Disabled, "disable request rate limiting")
}

// KEKBytes decodes the local key-encryption key.
func (c Crypto) KEKBytes() ([]byte, error) {
	if c.KEK == "" {
		return nil, fmt.Errorf("PAPER_KEK is not set")
	}
	key, err := base64.StdEncoding.DecodeString(c.KEK)
	if err != nil {
		return nil, fmt.Errorf("decode PAPER_KEK: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("PAPER_KEK must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Validate checks the sections that have no safe default.
func (c Config) Validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch size must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if c.Environment == "production" {
		if c.Server.JWTSigningKey == "dev-secret-key-change-in-production" {
			return fmt.Errorf("JWT_SIGNING_KEY must be set in production")
		}
		if c.Server.AdminToken == "dev-admin-token" {
			return fmt.Errorf("ADMIN_API_TOKEN must be set in production")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return v
}

func getList(key string) []string {
	return strutil.SplitList(os.Getenv(key), ",")
}
