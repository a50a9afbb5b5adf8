package courier

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxChunkSize          = 512 * 1024
	DefaultMaxMessageSize        = 64 << 20
	DefaultRequestTimeout        = 30 * time.Second
	DefaultSubjectPrefix         = "courier"
	DefaultMaxConcurrentHandlers = 256
)

// Config holds the tunables of a Channel.
type Config struct {
	// MaxChunkSize bounds the body of every chunk put on the transport.
	MaxChunkSize int

	// MaxMessageSize bounds the size a compressed message may expand to.
	MaxMessageSize int

	// RequestTimeout applies to Request calls that pass no timeout.
	RequestTimeout time.Duration

	// ReassemblyTTL bounds how long an incomplete message is kept.
	ReassemblyTTL time.Duration

	// SubjectPrefix namespaces the reply subjects of every channel.
	SubjectPrefix string

	// QueueGroup is joined by Respond bindings. Empty means the service name.
	QueueGroup string

	// Compression compresses outbound payloads with zstd.
	Compression bool

	AuthFailurePolicy AuthFailurePolicy

	// MaxConcurrentHandlers bounds concurrently running Respond and Subscribe
	// handlers. Zero or less means unbounded.
	MaxConcurrentHandlers int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		MaxChunkSize:          DefaultMaxChunkSize,
		MaxMessageSize:        DefaultMaxMessageSize,
		RequestTimeout:        DefaultRequestTimeout,
		ReassemblyTTL:         DefaultReassemblyTTL,
		SubjectPrefix:         DefaultSubjectPrefix,
		AuthFailurePolicy:     DropOnAuthFailure,
		MaxConcurrentHandlers: DefaultMaxConcurrentHandlers,
	}
}

// LoadConfig builds a Config from COURIER_* environment variables, falling
// back to the defaults for anything unset or unparsable.
//
//	COURIER_MAX_CHUNK_SIZE        bytes
//	COURIER_MAX_MESSAGE_SIZE      bytes
//	COURIER_REQUEST_TIMEOUT       duration, e.g. 5s
//	COURIER_REASSEMBLY_TTL        duration
//	COURIER_SUBJECT_PREFIX        string
//	COURIER_QUEUE_GROUP           string
//	COURIER_COMPRESSION           bool
//	COURIER_AUTH_FAILURE_POLICY   drop | reject
//	COURIER_MAX_HANDLERS          int
func LoadConfig() Config {
	config := DefaultConfig()

	config.MaxChunkSize = parsePositiveIntEnv("COURIER_MAX_CHUNK_SIZE", config.MaxChunkSize)
	config.MaxMessageSize = parsePositiveIntEnv("COURIER_MAX_MESSAGE_SIZE", config.MaxMessageSize)
	config.RequestTimeout = parseDurationEnv("COURIER_REQUEST_TIMEOUT", config.RequestTimeout)
	config.ReassemblyTTL = parseDurationEnv("COURIER_REASSEMBLY_TTL", config.ReassemblyTTL)
	config.SubjectPrefix = getEnv("COURIER_SUBJECT_PREFIX", config.SubjectPrefix)
	config.QueueGroup = strings.TrimSpace(os.Getenv("COURIER_QUEUE_GROUP"))
	config.Compression = parseBoolEnv("COURIER_COMPRESSION", config.Compression)
	config.MaxConcurrentHandlers = parsePositiveIntEnv("COURIER_MAX_HANDLERS", config.MaxConcurrentHandlers)

	if policy, err := ParseAuthFailurePolicy(strings.TrimSpace(os.Getenv("COURIER_AUTH_FAILURE_POLICY"))); err == nil {
		config.AuthFailurePolicy = policy
	}

	return config
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.MaxChunkSize < 1 {
		return fmt.Errorf("courier: max chunk size must be positive, got %d", c.MaxChunkSize)
	}
	if c.MaxMessageSize < 1 {
		return fmt.Errorf("courier: max message size must be positive, got %d", c.MaxMessageSize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("courier: request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ReassemblyTTL <= 0 {
		return fmt.Errorf("courier: reassembly ttl must be positive, got %s", c.ReassemblyTTL)
	}
	if strings.TrimSpace(c.SubjectPrefix) == "" {
		return fmt.Errorf("courier: subject prefix must not be blank")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parsePositiveIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}

func parseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
