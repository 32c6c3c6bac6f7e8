package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tailscale/hujson"
	"github.com/titanous/json5"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

// Format names a document syntax.
type Format string

const (
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
	FormatJSON5 Format = "json5"
	FormatJSONC Format = "jsonc"
	FormatINI   Format = "ini"
	FormatEnc   Format = "enc"
)

// ErrParse wraps every document syntax error.
var ErrParse = errors.New("parse configuration document")

type parser func(data []byte) (document.Mapping, error)

var parsers = map[Format]parser{
	FormatJSON:  document.ParseJSON,
	FormatYAML:  parseYAML,
	FormatTOML:  parseTOML,
	FormatJSON5: parseJSON5,
	FormatJSONC: parseJSONC,
	FormatINI:   parseINI,
}

// DetectFormat picks the format from the locator's extension, falling back to
// strict JSON.
func DetectFormat(locator string) Format {
	lower := strings.ToLower(locator)
	switch {
	case strings.HasSuffix(lower, EncryptedExtension):
		return FormatEnc
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return FormatYAML
	case strings.HasSuffix(lower, ".toml"):
		return FormatTOML
	case strings.HasSuffix(lower, ".json5"):
		return FormatJSON5
	case strings.HasSuffix(lower, ".jsonc"):
		return FormatJSONC
	case strings.HasSuffix(lower, ".ini"):
		return FormatINI
	default:
		return FormatJSON
	}
}

// Parse decodes data in the given format.
func Parse(format Format, data []byte) (document.Mapping, error) {
	p, ok := parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: no parser for format %q", ErrParse, format)
	}
	doc, err := p(data)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %w", ErrParse, format, err)
	}
	return doc, nil
}

func parseYAML(data []byte) (document.Mapping, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return document.AsMapping(raw)
}

func parseTOML(data []byte) (document.Mapping, error) {
	raw := map[string]any{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, err
	}
	return document.AsMapping(raw)
}

// parseJSON5 decodes the full JSON5 grammar: unquoted keys, single quotes,
// hex and signed numbers, leading or trailing decimal points, comments.
func parseJSON5(data []byte) (document.Mapping, error) {
	if strings.TrimSpace(string(data)) == "" {
		return document.Mapping{}, nil
	}
	var raw any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return document.AsMapping(raw)
}

// parseJSONC strips comments and trailing commas, then parses strictly.
func parseJSONC(data []byte) (document.Mapping, error) {
	if strings.TrimSpace(string(data)) == "" {
		return document.Mapping{}, nil
	}
	standard, err := hujson.Standardize(data)
	if err != nil {
		return nil, err
	}
	return document.ParseJSON(standard)
}

// parseINI maps sections to nested mappings; dotted section names nest further
// and keys of the default section land at the root. true/false become booleans.
func parseINI(data []byte) (document.Mapping, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
	}, data)
	if err != nil {
		return nil, err
	}

	out := document.Mapping{}
	for _, section := range file.Sections() {
		target := out
		if name := section.Name(); name != ini.DefaultSection {
			for _, part := range document.SplitPath(name) {
				next, ok := target[part].(document.Mapping)
				if !ok {
					next = document.Mapping{}
					target[part] = next
				}
				target = next
			}
		}
		for _, key := range section.Keys() {
			target[key.Name()] = iniValue(key.String())
		}
	}
	return out, nil
}

func iniValue(raw string) document.Value {
	switch strings.ToLower(raw) {
	case "true":
		return document.Bool(true)
	case "false":
		return document.Bool(false)
	}
	return document.String(raw)
}
