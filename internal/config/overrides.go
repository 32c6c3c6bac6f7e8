package config

import (
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

const (
	// EnvPrefix marks environment variables that override configuration keys.
	EnvPrefix = "TSRLIB_"
	// SecretEnv holds the hex-encoded key for encrypted sources. It is never
	// turned into a configuration key.
	SecretEnv = "TSRLIB_AES_PASSWORD"
	// SourceFlag names the external configuration source on the command line.
	SourceFlag = "C"
)

// Override is a single dot-path assignment derived from the environment or argv.
type Override struct {
	Path  string
	Value document.Value
}

// EnvOverrides derives overrides from TSRLIB_ variables: the prefix is
// stripped, the remainder lower-cased and underscores become dots.
func EnvOverrides(env map[string]string, logger *zap.Logger) []Override {
	names := make([]string, 0, len(env))
	for name := range env {
		if name == SecretEnv || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		if len(name) == len(EnvPrefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Override, 0, len(names))
	for _, name := range names {
		path := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "_", ".")
		out = append(out, Override{Path: path, Value: coerce(env[name], name, logger)})
	}
	return out
}

// FlagOverrides derives overrides from parsed command-line flags. Hyphens in
// flag names become dots; a flag given more than once yields a sequence.
func FlagOverrides(flags []Flag, logger *zap.Logger) []Override {
	var order []string
	values := make(map[string][]document.Value, len(flags))

	for _, flag := range flags {
		path := strings.ReplaceAll(flag.Name, "-", ".")
		var value document.Value
		if flag.Raw == nil {
			value = document.Bool(!flag.Negated)
		} else {
			value = coerce(*flag.Raw, "--"+flag.Name, logger)
		}
		if _, seen := values[path]; !seen {
			order = append(order, path)
		}
		values[path] = append(values[path], value)
	}

	out := make([]Override, 0, len(order))
	for _, path := range order {
		collected := values[path]
		if len(collected) == 1 {
			out = append(out, Override{Path: path, Value: collected[0]})
			continue
		}
		out = append(out, Override{Path: path, Value: document.Sequence(collected)})
	}
	return out
}

func coerce(raw, source string, logger *zap.Logger) document.Value {
	value, err := ParseValue(raw)
	if err != nil {
		logger.Warn("failed to parse complex JSON override, keeping literal string",
			zap.String("source", source),
			zap.Error(err),
		)
	}
	return value
}

func parseJSONValue(raw string) (document.Value, error) {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	return document.From(decoded)
}
