package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Signaling backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

type Config struct {
	Port           string             `yaml:"port"`
	Environment    string             `yaml:"environment"`
	AllowedOrigins []string           `yaml:"allowedOrigins"`
	JWTSecret      string             `yaml:"jwtSecret"`
	Backend        string             `yaml:"backend"`
	Redis          RedisConfig        `yaml:"redis"`
	Firestore      FirestoreConfig    `yaml:"firestore"`
	Log            LogConfig          `yaml:"log"`
	ICEServers     []webrtc.ICEServer `yaml:"-"`
	Call           CallConfig         `yaml:"call"`
	Relay          RelayConfig        `yaml:"relay"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FirestoreConfig struct {
	ProjectID       string `yaml:"projectId"`
	CredentialsFile string `yaml:"credentialsFile"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// CallConfig tunes the per-peer negotiation machinery
type CallConfig struct {
	NegotiationDebounce  time.Duration `yaml:"negotiationDebounce"`
	CandidateBatchWindow time.Duration `yaml:"candidateBatchWindow"`
	MaxQueuedCandidates  int           `yaml:"maxQueuedCandidates"`
	OperationTimeout     time.Duration `yaml:"operationTimeout"`
	OfferRetries         int           `yaml:"offerRetries"`
	CandidateRetries     int           `yaml:"candidateRetries"`
	RetryBackoff         time.Duration `yaml:"retryBackoff"`
	SeenEnvelopes        int           `yaml:"seenEnvelopes"`
}

// RelayConfig covers both sides of the websocket relay
type RelayConfig struct {
	URL               string  `yaml:"url"`
	MessagesPerSecond float64 `yaml:"messagesPerSecond"`
	Burst             int     `yaml:"burst"`
}

// DefaultICEServers are the public STUN servers used when nothing is configured
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}},
	}
}

// DefaultCallConfig returns the timing knobs used when the environment sets none
func DefaultCallConfig() CallConfig {
	return CallConfig{
		NegotiationDebounce:  50 * time.Millisecond,
		CandidateBatchWindow: 30 * time.Millisecond,
		MaxQueuedCandidates:  300,
		OperationTimeout:     10 * time.Second,
		OfferRetries:         5,
		CandidateRetries:     3,
		RetryBackoff:         200 * time.Millisecond,
		SeenEnvelopes:        512,
	}
}

// Load reads configuration from the environment. When CONFIG_FILE is set the
// YAML file at that path is applied on top.
func Load() (*Config, error) {
	// Parse allowed origins (comma-separated)
	origins := splitCommaSeparated(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	defaults := DefaultCallConfig()
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Backend:        getEnv("SIGNALING_BACKEND", BackendMemory),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Firestore: FirestoreConfig{
			ProjectID:       getEnv("FIRESTORE_PROJECT_ID", ""),
			CredentialsFile: getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Call: CallConfig{
			NegotiationDebounce:  getEnvDuration("NEGOTIATION_DEBOUNCE", defaults.NegotiationDebounce),
			CandidateBatchWindow: getEnvDuration("CANDIDATE_BATCH_WINDOW", defaults.CandidateBatchWindow),
			MaxQueuedCandidates:  getEnvInt("MAX_QUEUED_CANDIDATES", defaults.MaxQueuedCandidates),
			OperationTimeout:     getEnvDuration("OPERATION_TIMEOUT", defaults.OperationTimeout),
			OfferRetries:         getEnvInt("OFFER_RETRIES", defaults.OfferRetries),
			CandidateRetries:     getEnvInt("CANDIDATE_RETRIES", defaults.CandidateRetries),
			RetryBackoff:         getEnvDuration("RETRY_BACKOFF", defaults.RetryBackoff),
			SeenEnvelopes:        getEnvInt("SEEN_ENVELOPES", defaults.SeenEnvelopes),
		},
		Relay: RelayConfig{
			URL:               getEnv("RELAY_URL", "ws://localhost:8080/ws/signal"),
			MessagesPerSecond: getEnvFloat("SIGNALING_RATE_LIMIT", 50),
			Burst:             getEnvInt("SIGNALING_RATE_BURST", 100),
		},
	}

	iceServers, err := iceServersFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.ICEServers = iceServers

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileOverlay holds the parts of a YAML file that need parsing beyond plain
// field assignment
type fileOverlay struct {
	ICEServers []iceServerEntry `yaml:"iceServers"`
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the file
// keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if len(overlay.ICEServers) > 0 {
		servers, err := buildICEServers(overlay.ICEServers)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		c.ICEServers = servers
	}
	return nil
}

// Validate rejects settings the call coordinator cannot run with
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	case BackendFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown signaling backend %q", c.Backend)
	}
	if c.Call.NegotiationDebounce <= 0 || c.Call.CandidateBatchWindow <= 0 {
		return fmt.Errorf("negotiation debounce and candidate batch window must be positive")
	}
	if c.Call.MaxQueuedCandidates <= 0 {
		return fmt.Errorf("max queued candidates must be positive")
	}
	if c.Call.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}
	return nil
}

// Addr returns host:port for the Redis client
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
