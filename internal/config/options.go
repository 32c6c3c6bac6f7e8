package config

import (
	"context"

	"go.uber.org/zap"

	"github.com/eugenenazirov/tsrlib/internal/metrics"
)

// DocumentFetcher retrieves remote documents. Retry policy is its own concern.
type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithArgs sets the command-line arguments scanned for -C and overrides,
// excluding the program name. Defaults to os.Args[1:].
func WithArgs(args []string) Option {
	return func(m *Manager) {
		m.args = append([]string(nil), args...)
		m.argsSet = true
	}
}

// WithEnviron sets the "KEY=value" environment snapshot. Defaults to
// os.Environ() taken when Initialize runs.
func WithEnviron(environ []string) Option {
	return func(m *Manager) {
		m.environ = append([]string(nil), environ...)
		m.environSet = true
	}
}

// WithDefaults replaces the embedded defaults document with JSON data.
func WithDefaults(data []byte) Option {
	return func(m *Manager) {
		m.defaults = data
		m.defaultsPath = ""
	}
}

// WithDefaultsFile reads the defaults document from a JSON file.
func WithDefaultsFile(path string) Option {
	return func(m *Manager) {
		m.defaultsPath = path
		m.defaults = nil
	}
}

// WithDescriptor sets the package descriptor used to resolve the application name.
func WithDescriptor(path string) Option {
	return func(m *Manager) {
		m.descriptorPath = path
	}
}

// WithAppName pins the application name instead of reading the descriptor.
func WithAppName(name string) Option {
	return func(m *Manager) {
		m.appName = name
	}
}

// WithPlatform pins the platform section name (primarily for tests).
func WithPlatform(platform string) Option {
	return func(m *Manager) {
		m.platform = platform
	}
}

// WithFetcher sets the fetcher used for http(s) sources.
func WithFetcher(fetcher DocumentFetcher) Option {
	return func(m *Manager) {
		m.fetcher = fetcher
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics records engine activity on recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(m *Manager) {
		m.recorder = recorder
	}
}
