// Package config resolves the live configuration document with precedence:
// CLI flags > TSRLIB_ environment variables > external document (-C) >
// embedded defaults. The external document is layered through its
// commonAll / <app>.common / <app>.<platform>.<mode> hierarchy and may be
// YAML, TOML, JSON5, JSONC, INI, JSON or an AES-256-CBC encrypted JSON
// envelope (.enc). The resolved state is owned by a Manager, mutated through
// UpdateValue, and observed via listeners or a change channel.
package config
