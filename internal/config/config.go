// Package config loads the relay's runtime configuration from flags and
// environment variables. Flags win over environment values; both are
// validated at load time so misconfigurations fail on startup, not mid-call.
package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/roomkey"
)

const (
	envVarListenAddr      = "KEYCAST_LISTEN_ADDR"
	envVarMode            = "KEYCAST_MODE"
	envVarLogFormat       = "KEYCAST_LOG_FORMAT"
	envVarLogLevel        = "KEYCAST_LOG_LEVEL"
	envVarShutdownTimeout = "KEYCAST_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Session registry knobs.
	envVarRoomKeyLength   = "ROOM_KEY_LENGTH"
	envVarRoomKeyAttempts = "ROOM_KEY_ATTEMPTS"

	// Negotiation knobs.
	envVarCandidateGrace = "CANDIDATE_GRACE_PERIOD"

	// WebSocket inbound hardening.
	envVarWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultRoomKeyLength   = 8
	DefaultRoomKeyAttempts = 5

	DefaultCandidateGrace = 15 * time.Second

	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatConsole LogFormat = "console"
	LogFormatJSON    LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        zerolog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	RoomKeyLength   int
	RoomKeyAttempts int

	CandidateGrace time.Duration

	WSIdleTimeout        time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

// Load parses args (without the program name) against the environment.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load exists so tests can inject the environment.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(ModeDev))

	fs := flag.NewFlagSet("keycast-relay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "TCP listen address")
	modeRaw := fs.String("mode", modeDefault, "runtime mode: dev or prod")
	logFormatRaw := fs.String("log-format", envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault)), "log format: console or json")
	logLevelRaw := fs.String("log-level", envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault)), "log level: trace..error")
	shutdownRaw := fs.String("shutdown-timeout", envOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout.String()), "graceful shutdown timeout")
	allowedOriginsRaw := fs.String("allowed-origins", envOrDefault(lookup, envVarAllowedOrigins, ""), "comma-separated browser origins, or * (empty: same-host only)")

	keyLength := fs.Int("room-key-length", 0, "generated room key length")
	keyAttempts := fs.Int("room-key-attempts", 0, "room key collision retry budget")

	graceRaw := fs.String("candidate-grace-period", envOrDefault(lookup, envVarCandidateGrace, DefaultCandidateGrace.String()), "how long candidates may wait for a session description (negative disables the deadline)")

	idleRaw := fs.String("ws-idle-timeout", envOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout.String()), "signaling websocket idle timeout")
	pingRaw := fs.String("ws-ping-interval", envOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval.String()), "signaling websocket ping interval")
	maxBytes := fs.Int64("max-message-bytes", 0, "maximum inbound signaling message size")
	maxPerSecond := fs.Int("max-messages-per-second", 0, "per-connection signaling message rate limit")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg := Config{
		ListenAddr: *listenAddr,
	}

	var err error
	if cfg.Mode, err = parseMode(*modeRaw); err != nil {
		return Config{}, err
	}
	if cfg.LogFormat, err = parseLogFormat(*logFormatRaw); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = zerolog.ParseLevel(strings.ToLower(*logLevelRaw)); err != nil {
		return Config{}, fmt.Errorf("invalid log level %q: %w", *logLevelRaw, err)
	}
	if cfg.ShutdownTimeout, err = parsePositiveDuration("shutdown-timeout", *shutdownRaw); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = parseAllowedOrigins(*allowedOriginsRaw); err != nil {
		return Config{}, err
	}

	if cfg.RoomKeyLength, err = intFromFlagOrEnv(lookup, *keyLength, envVarRoomKeyLength, DefaultRoomKeyLength); err != nil {
		return Config{}, err
	}
	if cfg.RoomKeyLength < roomkey.MinLength || cfg.RoomKeyLength > roomkey.MaxLength {
		return Config{}, fmt.Errorf("room key length %d out of range [%d, %d]", cfg.RoomKeyLength, roomkey.MinLength, roomkey.MaxLength)
	}
	if cfg.RoomKeyAttempts, err = intFromFlagOrEnv(lookup, *keyAttempts, envVarRoomKeyAttempts, DefaultRoomKeyAttempts); err != nil {
		return Config{}, err
	}
	if cfg.RoomKeyAttempts < 1 {
		return Config{}, fmt.Errorf("room key attempts must be >= 1")
	}

	// A negative grace period disables the buffered-candidate deadline
	// entirely; only zero is rejected as ambiguous.
	if cfg.CandidateGrace, err = time.ParseDuration(*graceRaw); err != nil {
		return Config{}, fmt.Errorf("invalid candidate-grace-period %q: %w", *graceRaw, err)
	}
	if cfg.CandidateGrace == 0 {
		return Config{}, fmt.Errorf("candidate-grace-period must be nonzero; negative values disable the deadline")
	}

	if cfg.WSIdleTimeout, err = parsePositiveDuration("ws-idle-timeout", *idleRaw); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval, err = parsePositiveDuration("ws-ping-interval", *pingRaw); err != nil {
		return Config{}, err
	}
	if cfg.WSPingInterval >= cfg.WSIdleTimeout {
		return Config{}, fmt.Errorf("ws ping interval (%s) must be shorter than the idle timeout (%s)", cfg.WSPingInterval, cfg.WSIdleTimeout)
	}

	cfg.MaxMessageBytes = *maxBytes
	if cfg.MaxMessageBytes == 0 {
		if cfg.MaxMessageBytes, err = int64FromEnv(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes); err != nil {
			return Config{}, err
		}
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max message bytes must be positive")
	}

	if cfg.MaxMessagesPerSecond, err = intFromFlagOrEnv(lookup, *maxPerSecond, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond); err != nil {
		return Config{}, err
	}
	if cfg.MaxMessagesPerSecond < 1 {
		return Config{}, fmt.Errorf("max messages per second must be >= 1")
	}

	return cfg, nil
}

// NewLogger builds the process logger from the loaded configuration.
func NewLogger(cfg Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.LogFormat == LogFormatConsole {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(cfg.LogLevel).With().Timestamp().Logger()
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func intFromFlagOrEnv(lookup func(string) (string, bool), flagValue int, key string, fallback int) (int, error) {
	if flagValue != 0 {
		return flagValue, nil
	}
	raw := envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func int64FromEnv(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw := envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func parsePositiveDuration(name, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return d, nil
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(raw)) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(raw)) {
	case LogFormatConsole:
		return LogFormatConsole, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want console or json)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	var out []string
	for _, part := range strings.Split(trimmed, ",") {
		o := strings.TrimSpace(part)
		if o == "" {
			continue
		}
		if o == "*" {
			return []string{"*"}, nil
		}
		if !strings.HasPrefix(o, "http://") && !strings.HasPrefix(o, "https://") {
			return nil, fmt.Errorf("invalid allowed origin %q (want scheme://host[:port] or *)", o)
		}
		out = append(out, o)
	}
	return out, nil
}

func defaultLogFormatForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatConsole)
}

func defaultLogLevelForMode(mode string) string {
	if Mode(mode) == ModeProd {
		return zerolog.LevelInfoValue
	}
	return zerolog.LevelDebugValue
}
