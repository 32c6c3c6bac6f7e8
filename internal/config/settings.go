package config

import (
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultLogLevel       = "info"
)

// Settings is the typed view of the keys the tsrlib service itself reads from
// the resolved document.
type Settings struct {
	Port                 string
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
	WatchSource          bool
	LogLevel             string
}

// DefaultSettings mirrors the server section of the embedded defaults.
func DefaultSettings() Settings {
	return Settings{
		Port:                 defaultPort,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		LogLevel:             defaultLogLevel,
	}
}

// SettingsFrom extracts Settings from doc. Keys are lower-case so that
// TSRLIB_SERVER_RATELIMIT_RPS and --server-ratelimit-rps reach them.
func SettingsFrom(doc document.Mapping) (Settings, error) {
	s := DefaultSettings()

	if v, ok := doc.Lookup("server.port"); ok {
		port, err := asString(v)
		if err != nil {
			return Settings{}, fmt.Errorf("server.port: %w", err)
		}
		s.Port = port
	}

	durations := []struct {
		path string
		dst  *time.Duration
	}{
		{"server.timeouts.shutdown", &s.ShutdownGracePeriod},
		{"server.timeouts.readheader", &s.ReadHeaderTimeout},
		{"server.timeouts.write", &s.WriteTimeout},
		{"server.timeouts.idle", &s.IdleTimeout},
	}
	for _, d := range durations {
		v, ok := doc.Lookup(d.path)
		if !ok {
			continue
		}
		parsed, err := asDuration(v)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", d.path, err)
		}
		*d.dst = parsed
	}

	if v, ok := doc.Lookup("server.logging"); ok {
		b, ok := v.(document.Bool)
		if !ok {
			return Settings{}, fmt.Errorf("server.logging: expected bool, got %s", v.Kind())
		}
		s.EnableRequestLogging = bool(b)
	}
	if v, ok := doc.Lookup("server.watch"); ok {
		b, ok := v.(document.Bool)
		if !ok {
			return Settings{}, fmt.Errorf("server.watch: expected bool, got %s", v.Kind())
		}
		s.WatchSource = bool(b)
	}

	if v, ok := doc.Lookup("server.ratelimit.rps"); ok {
		n, ok := v.(document.Number)
		if !ok {
			return Settings{}, fmt.Errorf("server.ratelimit.rps: expected number, got %s", v.Kind())
		}
		s.RateLimitRPS = float64(n)
	}
	if v, ok := doc.Lookup("server.ratelimit.burst"); ok {
		n, ok := v.(document.Number)
		if !ok {
			return Settings{}, fmt.Errorf("server.ratelimit.burst: expected number, got %s", v.Kind())
		}
		s.RateLimitBurst = int(n)
	}

	if v, ok := doc.Lookup("log.level"); ok {
		level, err := asString(v)
		if err != nil {
			return Settings{}, fmt.Errorf("log.level: %w", err)
		}
		s.LogLevel = level
	}

	if err := validateSettings(s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func validateSettings(s Settings) error {
	if s.Port == "" {
		return fmt.Errorf("server.port cannot be empty")
	}
	if s.RateLimitRPS < 0 {
		return fmt.Errorf("server.ratelimit.rps must be >= 0")
	}
	if s.RateLimitBurst < 0 {
		return fmt.Errorf("server.ratelimit.burst must be >= 0")
	}
	if _, err := zapcore.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// asString accepts strings and integral numbers, so a port given as 9090 on
// the command line still reads as "9090".
func asString(v document.Value) (string, error) {
	switch t := v.(type) {
	case document.String:
		return string(t), nil
	case document.Number:
		return strconv.FormatFloat(float64(t), 'f', -1, 64), nil
	}
	return "", fmt.Errorf("expected string, got %s", v.Kind())
}

// asDuration accepts Go duration strings ("15s") or a number of seconds.
func asDuration(v document.Value) (time.Duration, error) {
	switch t := v.(type) {
	case document.String:
		return time.ParseDuration(string(t))
	case document.Number:
		return time.Duration(float64(t) * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("expected duration, got %s", v.Kind())
}
