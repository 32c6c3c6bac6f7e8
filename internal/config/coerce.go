package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

// ParseValue coerces a raw override string. Bracketed or braced text is parsed
// as JSON; true/false become booleans; numeric text becomes a number; anything
// else stays a string. A malformed JSON literal is kept as a string and the
// parse error is returned alongside it so the caller can log it.
func ParseValue(raw string) (document.Value, error) {
	if isJSONLiteral(raw) {
		value, err := parseJSONValue(raw)
		if err != nil {
			return document.String(raw), fmt.Errorf("parse complex override %q: %w", raw, err)
		}
		return value, nil
	}

	if strings.EqualFold(raw, "true") {
		return document.Bool(true), nil
	}
	if strings.EqualFold(raw, "false") {
		return document.Bool(false), nil
	}

	if trimmed := strings.TrimSpace(raw); trimmed != "" {
		if n, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsInf(n, 0) && !math.IsNaN(n) {
			return document.Number(n), nil
		}
	}

	return document.String(raw), nil
}

func isJSONLiteral(raw string) bool {
	return (strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]")) ||
		(strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, "}"))
}
