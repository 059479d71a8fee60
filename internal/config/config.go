package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
)

// Server holds configuration for the central POS server.
type Server struct {
	HTTPPort string
	Secret   string

	// DBDriver is "sqlite" (default) or "postgres".
	DBDriver string
	DBDSN    string

	UserTokenTTL   time.Duration
	DeviceTokenTTL time.Duration

	// MinAppVersion gates the device handshake; empty disables the gate.
	MinAppVersion string

	// RedisAddr enables the idempotency fast path and cross-node change
	// fan-out when set; empty runs single-node with in-process wakeups.
	RedisAddr string

	// MinIO settings for the audit archiver; archiving is off unless the
	// endpoint is set.
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool
	ArchiveInterval time.Duration
	ArchiveAfter    time.Duration

	// SeedPath points at an optional product catalog CSV loaded at
	// boot into SeedBusiness; both must be set for seeding to run.
	SeedPath     string
	SeedBusiness string
}

// LoadServer reads server configuration from environment variables with
// reasonable defaults.
func LoadServer() Server {
	cfg := Server{
		HTTPPort:        getenv("HTTP_PORT", "8080"),
		Secret:          getenv("SECRET", "dev_secret"),
		DBDriver:        getenv("DB_DRIVER", "sqlite"),
		DBDSN:           getenv("DB_DSN", "dokansync.db"),
		UserTokenTTL:    getdur("USER_TOKEN_TTL", 24*time.Hour),
		DeviceTokenTTL:  getdur("DEVICE_TOKEN_TTL", 12*time.Hour),
		MinAppVersion:   os.Getenv("MIN_APP_VERSION"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		MinioEndpoint:   os.Getenv("MINIO_ENDPOINT"),
		MinioAccessKey:  os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:  os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:     getenv("MINIO_BUCKET", "dokansync-archive"),
		MinioUseSSL:     getbool("MINIO_USE_SSL", false),
		ArchiveInterval: getdur("ARCHIVE_INTERVAL", time.Hour),
		ArchiveAfter:    getdur("ARCHIVE_AFTER", 30*24*time.Hour),
		SeedPath:        os.Getenv("SEED_PATH"),
		SeedBusiness:    os.Getenv("SEED_BUSINESS"),
	}

	if _, err := strconv.Atoi(cfg.HTTPPort); err != nil {
		log.Printf("invalid HTTP_PORT value %q, defaulting to 8080", cfg.HTTPPort)
		cfg.HTTPPort = "8080"
	}
	if cfg.DBDriver != "sqlite" && cfg.DBDriver != "postgres" {
		log.Printf("unknown DB_DRIVER %q, defaulting to sqlite", cfg.DBDriver)
		cfg.DBDriver = "sqlite"
	}
	return cfg
}

// Sync holds the retry and batching knobs shared by the device agent.
type Sync struct {
	PushBatchSize int
	PullBatchSize int
	PollInterval  time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
	// Jitter is the fraction of the delay randomized on each retry.
	Jitter float64
}

// Agent holds configuration for the device-side agent.
type Agent struct {
	ServerURL string
	// DataDir holds the agent's local database and credentials.
	DataDir string
	Sync    Sync
}

// LoadAgent reads agent configuration from environment variables with
// reasonable defaults. Local state defaults into the XDG data directory.
func LoadAgent() Agent {
	return Agent{
		ServerURL: getenv("DOKANSYNC_SERVER", "http://localhost:8080"),
		DataDir:   getenv("DOKANSYNC_DATA_DIR", filepath.Join(xdg.DataHome, "dokansync")),
		Sync: Sync{
			PushBatchSize: getint("SYNC_PUSH_BATCH", 100),
			PullBatchSize: getint("SYNC_PULL_BATCH", 200),
			PollInterval:  getdur("SYNC_POLL_INTERVAL", 15*time.Second),
			BackoffBase:   getdur("SYNC_BACKOFF_BASE", 2*time.Second),
			BackoffMax:    getdur("SYNC_BACKOFF_MAX", 5*time.Minute),
			BackoffFactor: getfloat("SYNC_BACKOFF_FACTOR", 2.0),
			Jitter:        getfloat("SYNC_BACKOFF_JITTER", 0.2),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("invalid %s value %q, defaulting to %d", key, v, def)
		return def
	}
	return n
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("invalid %s value %q, defaulting to %t", key, v, def)
		return def
	}
	return b
}

func getdur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("invalid %s value %q, defaulting to %s", key, v, def)
		return def
	}
	return d
}

func getfloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		log.Printf("invalid %s value %q, defaulting to %g", key, v, def)
		return def
	}
	return f
}
