package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

// ErrNoFetcher indicates a remote source without a configured fetcher.
var ErrNoFetcher = errors.New("no fetcher configured for remote configuration source")

// IsRemote reports whether locator is fetched over HTTP rather than read from disk.
func IsRemote(locator string) bool {
	return strings.HasPrefix(locator, "http")
}

// formatLocator strips query and fragment from URLs so the extension of the
// path decides the format.
func formatLocator(locator string) string {
	if !IsRemote(locator) {
		return locator
	}
	u, err := url.Parse(locator)
	if err != nil {
		return locator
	}
	return u.Path
}

// loadSource reads and decodes the external document named by locator.
func (m *Manager) loadSource(ctx context.Context, locator string, env map[string]string) (document.Mapping, Format, error) {
	format := DetectFormat(formatLocator(locator))

	// A missing or malformed key is fatal even when the envelope is unreadable.
	if format == FormatEnc {
		if _, err := ParseKey(env[SecretEnv]); err != nil {
			return nil, format, fmt.Errorf("decrypt %s: %w", locator, err)
		}
	}

	content, err := m.readSource(ctx, locator)
	if err != nil {
		return nil, format, err
	}

	if format == FormatEnc {
		doc, err := Decrypt(content, env[SecretEnv])
		if err != nil {
			return nil, format, fmt.Errorf("decrypt %s: %w", locator, err)
		}
		return doc, format, nil
	}

	doc, err := Parse(format, content)
	if err != nil {
		return nil, format, fmt.Errorf("load %s: %w", locator, err)
	}
	return doc, format, nil
}

func (m *Manager) readSource(ctx context.Context, locator string) ([]byte, error) {
	if IsRemote(locator) {
		if m.fetcher == nil {
			return nil, ErrNoFetcher
		}
		body, err := m.fetcher.Fetch(ctx, locator)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", locator, err)
		}
		return body, nil
	}

	data, err := os.ReadFile(locator)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return data, nil
}
