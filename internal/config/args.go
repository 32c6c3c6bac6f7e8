package config

import (
	"strconv"
	"strings"
)

// Flag is a named command-line option. Raw is nil for a bare boolean flag.
type Flag struct {
	Name    string
	Raw     *string
	Negated bool
}

// Arguments is the scanned form of argv.
type Arguments struct {
	// Source is the value of the reserved -C flag.
	Source      string
	Flags       []Flag
	Positionals []string
}

// ParseArgs scans argv without a declared flag set. It accepts "--name value",
// "--name=value", "-n value", bare "--name" (true) and "--no-name" (false).
// Scanning stops at "--". The reserved -C flag is returned as Source; when it
// is repeated the last occurrence wins.
func ParseArgs(args []string) Arguments {
	var out Arguments

	for i := 0; i < len(args); i++ {
		token := args[i]

		if token == "--" {
			out.Positionals = append(out.Positionals, args[i+1:]...)
			break
		}
		if !isFlagToken(token) {
			out.Positionals = append(out.Positionals, token)
			continue
		}

		name := strings.TrimLeft(token, "-")
		var raw *string
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			value := name[eq+1:]
			raw = &value
			name = name[:eq]
		} else if i+1 < len(args) && !isFlagToken(args[i+1]) && args[i+1] != "--" {
			value := args[i+1]
			raw = &value
			i++
		}
		if name == "" {
			continue
		}

		if name == SourceFlag {
			if raw != nil {
				out.Source = *raw
			}
			continue
		}

		if raw == nil && strings.HasPrefix(name, "no-") && len(name) > len("no-") {
			out.Flags = append(out.Flags, Flag{Name: strings.TrimPrefix(name, "no-"), Negated: true})
			continue
		}
		out.Flags = append(out.Flags, Flag{Name: name, Raw: raw})
	}

	return out
}

// isFlagToken reports whether token names a flag. A lone "-" and negative
// numbers are values.
func isFlagToken(token string) bool {
	if len(token) < 2 || token[0] != '-' || token == "--" {
		return false
	}
	if _, err := strconv.ParseFloat(token, 64); err == nil {
		return false
	}
	return true
}
