package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

// Event sources accepted by EVENT_SOURCE.
const (
	EventSourceNone  = "none"
	EventSourceNSQ   = "nsq"
	EventSourceKafka = "kafka"
)

type DB struct {
	URL      string // full DSN; overrides the discrete fields when set
	User     string
	Pass     string
	Host     string
	Port     string
	Name     string
	MaxConns int32
	Migrate  bool // apply embedded migrations at startup
}

type Redis struct {
	Addr     string // e.g. redis:6379; empty disables the sweeper lock
	Password string
	DB       int
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	EventsTopic    string // NSQ topic carrying event envelopes
	EventsChannel  string // channel the ingest consumers share
	DLQTopic       string // dead letter topic
	MaxInFlight    int
	NsqdHTTPAddr   string        // nsqd stats endpoint polled by the worker, e.g. nsqd:4151
	StatsInterval  time.Duration // 0 disables the backlog monitor
}

type Kafka struct {
	Brokers []string
	Topic   string
	GroupID string
}

type Delivery struct {
	MaxAttempts       int
	Timeout           time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration // 0 leaves the backoff uncapped
	BreakerThreshold  int
	ResponseBodyLimit int
	ClaimTTL          time.Duration
	PublishDLQ        bool // publish exhausted deliveries to the NSQ DLQ topic
}

type Sweeper struct {
	Schedule    string // robfig/cron expression
	BatchSize   int
	Concurrency int
	LockKey     string
	LockTTL     time.Duration
	HTTPPort    string // worker /healthz and /metrics
}

type Auth struct {
	Enabled      bool
	PublicKeyPEM string // RS256 verification key
	HMACSecret   string // HS256 shared secret, used when no public key is set
	Issuer       string
	Audience     string
	TrustHeader  bool     // accept X-Tenant-Id set by a trusted gateway
	AdminTenants []string // tenants allowed to run cross-tenant operations (sweep)
}

type Tracing struct {
	Endpoint   string
	SampleRate float64
	Disabled   bool
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	EndpointSecret  string        // Secret for webhook signature verification
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	LogLevel     string
	EventSource  string
	DB           DB
	Redis        Redis
	NSQ          NSQ
	Kafka        Kafka
	Delivery     Delivery
	Sweeper      Sweeper
	Auth         Auth
	Tracing      Tracing
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getenvList splits a comma separated value, dropping blank entries.
func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// getenvFile returns the contents of the file named by key, or the value of
// fallbackKey when no file is configured or it cannot be read.
func getenvFile(key, fallbackKey string) string {
	if path := os.Getenv(key); path != "" {
		if b, err := os.ReadFile(path); err == nil {
			return string(b)
		}
	}
	return os.Getenv(fallbackKey)
}

func portAddr(v string) string {
	if v == "" || strings.Contains(v, ":") {
		return v
	}
	return ":" + v
}

func FromEnv() Config {
	return Config{
		AppName:     getenv("APP_NAME", "hookrelay"),
		HTTPPort:    portAddr(getenv("HTTP_PORT", ":8080")),
		GRPCPort:    portAddr(getenv("GRPC_PORT", ":50051")),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		EventSource: strings.ToLower(getenv("EVENT_SOURCE", EventSourceNSQ)),
		DB: DB{
			URL:      getenv("DATABASE_URL", ""),
			User:     getenv("DB_USER", "postgres"),
			Pass:     getenv("DB_PASS", "postgres"),
			Host:     getenv("DB_HOST", "postgres"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     getenv("DB_NAME", "hookrelay"),
			MaxConns: int32(getenvInt("DB_MAX_CONNS", 10)),
			Migrate:  getenvBool("DB_MIGRATE", true),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:    getenv("NSQ_EVENTS_TOPIC", "events"),
			EventsChannel:  getenv("NSQ_EVENTS_CHANNEL", "ingest"),
			DLQTopic:       getenv("NSQ_DLQ_TOPIC", "deliveries_dlq"),
			MaxInFlight:    getenvInt("NSQ_MAX_IN_FLIGHT", 16),
			NsqdHTTPAddr:   getenv("NSQD_HTTP_ADDR", "nsqd:4151"),
			StatsInterval:  getenvDuration("NSQ_STATS_INTERVAL", 15*time.Second),
		},
		Kafka: Kafka{
			Brokers: getenvList("KAFKA_BROKERS", []string{"kafka:9092"}),
			Topic:   getenv("KAFKA_EVENTS_TOPIC", "hookrelay.events"),
			GroupID: getenv("KAFKA_GROUP_ID", "hookrelay-ingest"),
		},
		Delivery: Delivery{
			MaxAttempts:       getenvInt("MAX_ATTEMPTS", 5),
			Timeout:           getenvDuration("DELIVERY_TIMEOUT", 10*time.Second),
			BaseBackoff:       getenvDuration("BACKOFF_BASE", time.Second),
			MaxBackoff:        getenvDuration("BACKOFF_MAX", 0),
			BreakerThreshold:  getenvInt("BREAKER_THRESHOLD", 10),
			ResponseBodyLimit: getenvInt("RESPONSE_BODY_LIMIT", 1000),
			ClaimTTL:          getenvDuration("CLAIM_TTL", 2*time.Minute),
			PublishDLQ:        getenvBool("PUBLISH_DLQ_TOPIC", false),
		},
		Sweeper: Sweeper{
			Schedule:    getenv("SWEEP_SCHEDULE", "@every 30s"),
			BatchSize:   getenvInt("SWEEP_BATCH_SIZE", 100),
			Concurrency: getenvInt("SWEEP_CONCURRENCY", 4),
			LockKey:     getenv("SWEEP_LOCK_KEY", "hookrelay:sweeper"),
			LockTTL:     getenvDuration("SWEEP_LOCK_TTL", 25*time.Second),
			HTTPPort:    portAddr(getenv("WORKER_HTTP_PORT", "8083")),
		},
		Auth: Auth{
			Enabled:      getenvBool("AUTH_ENABLED", false),
			PublicKeyPEM: getenvFile("JWT_PUBLIC_KEY_FILE", "JWT_PUBLIC_KEY"),
			HMACSecret:   getenv("JWT_HMAC_SECRET", ""),
			Issuer:       getenv("JWT_ISSUER", "hookrelay"),
			Audience:     getenv("JWT_AUDIENCE", "hookrelay-api"),
			TrustHeader:  getenvBool("TRUST_TENANT_HEADER", false),
			AdminTenants: getenvList("ADMIN_TENANTS", nil),
		},
		Tracing: Tracing{
			Endpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRate: getenvFloat("TRACE_SAMPLE_RATE", 1.0),
			Disabled:   getenvBool("TRACING_DISABLED", false),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            portAddr(getenv("FAKE_RECEIVER_PORT", ":8081")),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Policy converts the delivery and sweeper settings into a delivery.Policy.
// Zero or negative values fall back to the package defaults.
func (c Config) Policy() delivery.Policy {
	base := c.Delivery.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	return delivery.Policy{
		MaxAttempts:       c.Delivery.MaxAttempts,
		Timeout:           c.Delivery.Timeout,
		Backoff:           delivery.Exponential{Base: base, Max: c.Delivery.MaxBackoff},
		BreakerThreshold:  c.Delivery.BreakerThreshold,
		ResponseBodyLimit: c.Delivery.ResponseBodyLimit,
		ClaimTTL:          c.Delivery.ClaimTTL,
		BatchSize:         c.Sweeper.BatchSize,
		SweepConcurrency:  c.Sweeper.Concurrency,
	}
}

// MaxAttemptsLimit bounds the attempt budget. The backoff after the last
// retry already exceeds 30 years at this point.
const MaxAttemptsLimit = 30

// Validate reports settings the processes cannot start with.
func (c Config) Validate() error {
	switch c.EventSource {
	case EventSourceNone, EventSourceNSQ, EventSourceKafka:
	default:
		return fmt.Errorf("config: EVENT_SOURCE %q must be one of none, nsq, kafka", c.EventSource)
	}
	if c.Auth.Enabled && c.Auth.PublicKeyPEM == "" && c.Auth.HMACSecret == "" {
		return fmt.Errorf("config: AUTH_ENABLED requires JWT_PUBLIC_KEY(_FILE) or JWT_HMAC_SECRET")
	}
	if c.Delivery.MaxAttempts < 0 || c.Delivery.MaxAttempts > MaxAttemptsLimit {
		return fmt.Errorf("config: MAX_ATTEMPTS %d must be between 0 (default) and %d", c.Delivery.MaxAttempts, MaxAttemptsLimit)
	}
	if c.EventSource == EventSourceKafka && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: EVENT_SOURCE=kafka requires KAFKA_BROKERS")
	}
	return nil
}
