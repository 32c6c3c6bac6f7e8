package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/eugenenazirov/tsrlib/internal/document"
)

const (
	// DefaultAppName is used when the package descriptor cannot be read.
	DefaultAppName = "default-app"
	// DefaultDescriptor is the package descriptor read for the application name.
	DefaultDescriptor = "package.json"

	PlatformLinux   = "linux"
	PlatformWindows = "windows"

	ModeDevelopment = "development"
	ModeProduction  = "production"

	sectionCommonAll = "commonAll"
	sectionCommon    = "common"
)

// modeEnv lists the variables consulted, in order, for the runtime mode.
var modeEnv = []string{"APP_ENV", "NODE_ENV"}

// Identity selects which hierarchy sections apply to the running process.
type Identity struct {
	AppName  string
	Platform string
	Mode     string
}

// CurrentPlatform returns the hierarchy platform name for this binary.
func CurrentPlatform() string {
	if runtime.GOOS == "windows" {
		return PlatformWindows
	}
	return PlatformLinux
}

// ModeFromEnv reports production when APP_ENV (or NODE_ENV if APP_ENV is unset)
// is "production", development otherwise.
func ModeFromEnv(env map[string]string) string {
	for _, name := range modeEnv {
		value, ok := env[name]
		if !ok || value == "" {
			continue
		}
		if strings.EqualFold(value, ModeProduction) {
			return ModeProduction
		}
		return ModeDevelopment
	}
	return ModeDevelopment
}

// ReadAppName returns the "name" field of a JSON package descriptor.
func ReadAppName(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read descriptor: %w", err)
	}
	var descriptor struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return "", fmt.Errorf("parse descriptor: %w", err)
	}
	if descriptor.Name == "" {
		return "", fmt.Errorf("descriptor %s has no name", path)
	}
	return descriptor.Name, nil
}

// Layer flattens the hierarchy of doc for id: commonAll, then <app>.common,
// then <app>.<platform>.<mode>. Sections for other apps, platforms and modes
// are ignored.
func Layer(doc document.Mapping, id Identity) document.Mapping {
	layered := doc.Section(sectionCommonAll).Clone()
	if layered == nil {
		layered = document.Mapping{}
	}

	app := findAppSection(doc, id.AppName)
	if app == nil {
		return layered
	}
	if common := app.Section(sectionCommon); common != nil {
		layered = document.Merge(layered, common)
	}
	if mode := app.Section(id.Platform).Section(id.Mode); mode != nil {
		layered = document.Merge(layered, mode)
	}
	return layered
}

// findAppSection matches the application name case-insensitively. An exact
// match wins; otherwise the lexically smallest matching key is used.
func findAppSection(doc document.Mapping, appName string) document.Mapping {
	if section := doc.Section(appName); section != nil {
		return section
	}
	var matches []string
	for key := range doc {
		if strings.EqualFold(key, appName) {
			matches = append(matches, key)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Strings(matches)
	return doc.Section(matches[0])
}
