package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/eugenenazirov/tsrlib/internal/document"
	"github.com/eugenenazirov/tsrlib/internal/metrics"
)

//go:embed defaults.json
var embeddedDefaults []byte

var (
	// ErrInitializing is returned when Initialize is called while a pass is running.
	ErrInitializing = errors.New("configuration is already initializing")
	// ErrAlreadyInitialized is returned when Initialize is called after a successful pass.
	ErrAlreadyInitialized = errors.New("configuration is already initialized")
	// ErrNotInitialized is returned by Reload before Initialize succeeded.
	ErrNotInitialized = errors.New("configuration is not initialized")
	// ErrInvalidPath rejects empty paths and paths with empty segments.
	ErrInvalidPath = errors.New("invalid configuration path")
	// ErrNilValue rejects updates without a value.
	ErrNilValue = errors.New("configuration value must not be nil")
)

type phase int

const (
	phaseIdle phase = iota
	phaseInitializing
	phaseReady
)

// Manager owns the live configuration state. Construct one per process with
// New and pass it to every consumer.
type Manager struct {
	logger   *zap.Logger
	recorder *metrics.Recorder
	fetcher  DocumentFetcher

	args           []string
	argsSet        bool
	environ        []string
	environSet     bool
	defaults       []byte
	defaultsPath   string
	descriptorPath string
	appName        string
	platform       string

	// initMu guards phase, source, identity and resolved.
	initMu   sync.Mutex
	reloadMu sync.Mutex
	phase    phase
	source   string
	identity Identity
	resolved document.Mapping

	// updateMu serialises every mutation together with its notifications.
	updateMu sync.Mutex
	stateMu  sync.RWMutex
	state    document.Mapping

	observers observers
}

// New constructs a Manager with an empty state.
func New(opts ...Option) *Manager {
	m := &Manager{
		logger:         zap.NewNop(),
		defaults:       embeddedDefaults,
		descriptorPath: DefaultDescriptor,
		state:          document.Mapping{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize resolves the configuration: defaults, the external -C document
// layered through the hierarchy, TSRLIB_ environment overrides, then CLI
// overrides. The result is published and EventInitialized fires once.
//
// Only decryption failures are fatal; every other load problem is logged and
// resolution continues without the external document. A second call returns
// ErrInitializing or ErrAlreadyInitialized; a failed pass may be retried.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initMu.Lock()
	switch m.phase {
	case phaseInitializing:
		m.initMu.Unlock()
		return ErrInitializing
	case phaseReady:
		m.initMu.Unlock()
		return ErrAlreadyInitialized
	}
	m.phase = phaseInitializing
	m.initMu.Unlock()

	resolved, res, err := m.resolve(ctx)

	m.initMu.Lock()
	if err != nil {
		m.phase = phaseIdle
		m.initMu.Unlock()
		m.recorder.Initialization("error")
		m.logger.Error("configuration initialization failed", zap.Error(err))
		return err
	}
	m.source = res.source
	m.identity = res.identity
	m.resolved = resolved.Clone()
	m.initMu.Unlock()

	m.publish(resolved)

	m.initMu.Lock()
	m.phase = phaseReady
	m.initMu.Unlock()

	m.recorder.Initialization("success")
	m.logger.Info("configuration initialized",
		zap.String("source", res.source),
		zap.String("app", res.identity.AppName),
		zap.String("platform", res.identity.Platform),
		zap.String("mode", res.identity.Mode),
	)
	return nil
}

// publish swaps the resolved document into the live state in place, so handles
// obtained earlier from Config observe it, and emits EventInitialized.
func (m *Manager) publish(resolved document.Mapping) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.stateMu.Lock()
	clear(m.state)
	maps.Copy(m.state, resolved)
	m.stateMu.Unlock()

	m.observers.emit(Event{Name: EventInitialized, Config: m.state})
}

type resolution struct {
	source   string
	identity Identity
}

// resolve runs the pipeline into a fresh document without touching the state.
func (m *Manager) resolve(ctx context.Context) (document.Mapping, resolution, error) {
	env := environMap(m.environSnapshot())
	args := ParseArgs(m.argsSnapshot())
	res := resolution{source: args.Source, identity: m.resolveIdentity(env)}

	working := m.loadDefaults()

	if args.Source != "" {
		doc, format, err := m.loadSource(ctx, args.Source, env)
		switch {
		case err != nil && isFatal(err):
			m.recorder.SourceLoad(string(format), "error")
			return nil, res, err
		case err != nil:
			m.recorder.SourceLoad(string(format), "error")
			m.logger.Error("failed to load external configuration, continuing without it",
				zap.String("source", args.Source),
				zap.Error(err),
			)
		default:
			m.recorder.SourceLoad(string(format), "success")
			working = document.Merge(working, Layer(doc, res.identity))
		}
	}

	for _, o := range EnvOverrides(env, m.logger) {
		working.Set(o.Path, o.Value)
	}
	for _, o := range FlagOverrides(args.Flags, m.logger) {
		working.Set(o.Path, o.Value)
	}

	return working, res, nil
}

func (m *Manager) loadDefaults() document.Mapping {
	data := m.defaults
	if m.defaultsPath != "" {
		raw, err := os.ReadFile(m.defaultsPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				m.logger.Error("failed to read defaults", zap.String("path", m.defaultsPath), zap.Error(err))
			}
			return document.Mapping{}
		}
		data = raw
	}
	if len(data) == 0 {
		return document.Mapping{}
	}

	doc, err := document.ParseJSON(data)
	if err != nil {
		m.logger.Error("failed to load defaults", zap.Error(err))
		return document.Mapping{}
	}
	return doc
}

func (m *Manager) resolveIdentity(env map[string]string) Identity {
	id := Identity{
		AppName:  m.appName,
		Platform: m.platform,
		Mode:     ModeFromEnv(env),
	}
	if id.Platform == "" {
		id.Platform = CurrentPlatform()
	}
	if id.AppName == "" {
		name, err := ReadAppName(m.descriptorPath)
		if err != nil {
			m.logger.Warn("failed to read application name, falling back to "+DefaultAppName,
				zap.String("descriptor", m.descriptorPath),
				zap.Error(err),
			)
			name = DefaultAppName
		}
		id.AppName = name
	}
	return id
}

func (m *Manager) argsSnapshot() []string {
	if m.argsSet {
		return m.args
	}
	if len(os.Args) < 2 {
		return nil
	}
	return os.Args[1:]
}

func (m *Manager) environSnapshot() []string {
	if m.environSet {
		return m.environ
	}
	return os.Environ()
}

func environMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			continue
		}
		out[name] = value
	}
	return out
}

// UpdateValue sets value at path, creating intermediate mappings, then emits
// EventChange and ChangeEvent(path) synchronously. Listeners must not call
// UpdateValue from within the callback.
func (m *Manager) UpdateValue(path string, value document.Value) error {
	if err := validatePath(path); err != nil {
		return err
	}
	if value == nil {
		return ErrNilValue
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.stateMu.Lock()
	m.state.Set(path, value)
	m.stateMu.Unlock()

	m.recorder.Update()
	m.observers.emit(Event{Name: EventChange, Path: path, Value: value})
	m.observers.emit(Event{Name: ChangeEvent(path), Path: path, Value: value})
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	for _, segment := range document.SplitPath(path) {
		if segment == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidPath, path)
		}
	}
	return nil
}

// Config returns the live state. It is not a copy: later updates are visible
// through it. Use Snapshot or Get when reading from another goroutine.
func (m *Manager) Config() document.Mapping {
	return m.state
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() document.Mapping {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state.Clone()
}

// Get returns a copy of the value at path.
func (m *Manager) Get(path string) (document.Value, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	value, ok := m.state.Lookup(path)
	if !ok {
		return nil, false
	}
	return document.Clone(value), true
}

// Source returns the -C locator used by the last successful pass.
func (m *Manager) Source() string {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	return m.source
}

// Identity returns the hierarchy selection used by the last successful pass.
func (m *Manager) Identity() Identity {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	return m.identity
}

// On registers a listener for EventInitialized, EventChange or ChangeEvent(path)
// and returns a function that removes it.
func (m *Manager) On(event string, fn Listener) (cancel func()) {
	return m.observers.add(event, fn)
}

// Watch streams change records until ctx is done, then closes the channel.
// Records are dropped, logged and counted when the buffer is full.
func (m *Manager) Watch(ctx context.Context, buffer int) <-chan Change {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	cancel := m.On(EventChange, func(e Event) {
		select {
		case ch <- Change{Path: e.Path, Value: e.Value}:
		default:
			m.recorder.WatchDropped()
			m.logger.Warn("dropping configuration change for slow watcher", zap.String("path", e.Path))
		}
	})

	go func() {
		<-ctx.Done()
		m.updateMu.Lock()
		cancel()
		close(ch)
		m.updateMu.Unlock()
	}()
	return ch
}

// JSONBytes encodes the current state as JSON for handoff to native modules.
func (m *Manager) JSONBytes() ([]byte, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	data, err := json.Marshal(m.state)
	if err != nil {
		return nil, fmt.Errorf("encode configuration: %w", err)
	}
	return data, nil
}

// JSONString is JSONBytes as a string.
func (m *Manager) JSONString() (string, error) {
	data, err := m.JSONBytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Reload re-runs resolution and applies every leaf that changed since the
// previous pass through UpdateValue, so per-path listeners fire. Leaves removed
// from the sources are kept.
func (m *Manager) Reload(ctx context.Context) error {
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	m.initMu.Lock()
	if m.phase != phaseReady {
		m.initMu.Unlock()
		return ErrNotInitialized
	}
	m.initMu.Unlock()

	resolved, _, err := m.resolve(ctx)
	if err != nil {
		m.recorder.Reload("error")
		return fmt.Errorf("reload configuration: %w", err)
	}

	m.initMu.Lock()
	previous := m.resolved
	m.resolved = resolved.Clone()
	m.initMu.Unlock()

	changes := diffLeaves(previous, resolved)
	for _, change := range changes {
		if err := m.UpdateValue(change.Path, change.Value); err != nil {
			m.logger.Warn("skipping reloaded value", zap.String("path", change.Path), zap.Error(err))
		}
	}
	m.recorder.Reload("success")
	m.logger.Info("configuration reloaded", zap.Int("changes", len(changes)))
	return nil
}

// diffLeaves lists leaves of next that are absent from or different in prev,
// ordered by path. An empty mapping that replaces a mapping is not a change:
// applying it would wipe the live subtree, runtime updates included.
func diffLeaves(prev, next document.Mapping) []Change {
	before := prev.Flatten()
	after := next.Flatten()

	paths := make([]string, 0, len(after))
	for path, value := range after {
		if old, ok := before[path]; ok && document.Equal(old, value) {
			continue
		}
		if emptied, ok := value.(document.Mapping); ok && len(emptied) == 0 {
			if old, found := prev.Lookup(path); found {
				if _, wasMapping := old.(document.Mapping); wasMapping {
					continue
				}
			}
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := make([]Change, 0, len(paths))
	for _, path := range paths {
		out = append(out, Change{Path: path, Value: after[path]})
	}
	return out
}
