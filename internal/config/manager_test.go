package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/eugenenazirov/tsrlib/internal/document"
	"github.com/eugenenazirov/tsrlib/internal/fetch"
	"github.com/eugenenazirov/tsrlib/internal/metrics"
)

const testApp = "test-app"

func newTestManager(t *testing.T, args, environ []string, opts ...Option) *Manager {
	t.Helper()
	base := []Option{
		WithArgs(args),
		WithEnviron(environ),
		WithAppName(testApp),
		WithPlatform(PlatformLinux),
		WithDefaults([]byte(`{}`)),
		WithLogger(zaptest.NewLogger(t)),
	}
	return New(append(base, opts...)...)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInitializeDefaultsOnly(t *testing.T) {
	defaults := []byte(`{"server":{"port":8080},"features":["a","b"],"debug":false}`)
	m := newTestManager(t, nil, nil, WithDefaults(defaults))

	require.NoError(t, m.Initialize(context.Background()))

	want, err := document.ParseJSON(defaults)
	require.NoError(t, err)
	assert.True(t, document.Equal(want, m.Config()))
}

func TestInitializeEmbeddedDefaults(t *testing.T) {
	m := New(WithArgs(nil), WithEnviron(nil), WithAppName(testApp))
	require.NoError(t, m.Initialize(context.Background()))

	settings, err := SettingsFrom(m.Config())
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), settings)
}

func TestInitializeMalformedDefaultsIsNonFatal(t *testing.T) {
	path := writeFile(t, "defaults.json", `{"broken":`)
	m := newTestManager(t, nil, []string{"TSRLIB_A=1"}, WithDefaultsFile(path))

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, document.Mapping{"a": document.Number(1)}, m.Config())

	missing := newTestManager(t, nil, nil, WithDefaultsFile(filepath.Join(t.TempDir(), "absent.json")))
	require.NoError(t, missing.Initialize(context.Background()))
	assert.Empty(t, missing.Config())
}

func TestInitializeFollowsHierarchy(t *testing.T) {
	data, err := json.Marshal(document.ToAny(hierarchyDoc()))
	require.NoError(t, err)
	path := writeFile(t, "test-config.json", string(data))

	m := newTestManager(t, []string{"-C", path}, []string{"NODE_ENV=development"})
	require.NoError(t, m.Initialize(context.Background()))

	cfg := m.Config()
	host, _ := cfg.Lookup("db.host")
	port, _ := cfg.Lookup("db.port")
	assert.Equal(t, document.String("127.0.0.1"), host)
	assert.Equal(t, document.Number(8080), port)
	assert.Equal(t, document.Sequence{document.String("dev"), document.String("web")}, cfg["tags"])
	assert.Equal(t, document.String("1.0"), cfg["version"])
	assert.Equal(t, path, m.Source())
	assert.Equal(t, Identity{AppName: testApp, Platform: PlatformLinux, Mode: ModeDevelopment}, m.Identity())
}

func TestInitializePrecedence(t *testing.T) {
	path := writeFile(t, "cfg.yaml", "commonAll:\n  server:\n    port: 3000\n    host: file\n")
	m := newTestManager(t,
		[]string{"-C", path, "--server-port", "5000"},
		[]string{"TSRLIB_SERVER_PORT=4000", "TSRLIB_SERVER_HOST=env"},
		WithDefaults([]byte(`{"server":{"port":1,"host":"default","scheme":"http"}}`)),
	)
	require.NoError(t, m.Initialize(context.Background()))

	assert.Equal(t, document.Mapping{
		"port":   document.Number(5000),
		"host":   document.String("env"),
		"scheme": document.String("http"),
	}, m.Config()["server"])
}

func TestInitializeParsesComplexCLIValues(t *testing.T) {
	m := newTestManager(t, []string{"--allowed-origins", `["http://localhost", "https://app.com"]`}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	origins, ok := m.Get("allowed.origins")
	require.True(t, ok)
	require.IsType(t, document.Sequence{}, origins)
	assert.Contains(t, origins, document.String("https://app.com"))
	assert.Len(t, origins, 2)
}

func TestInitializeUnreadableSourceIsNonFatal(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	m := newTestManager(t,
		[]string{"-C", filepath.Join(t.TempDir(), "missing.yaml"), "--a", "1"},
		nil,
		WithLogger(zap.New(core)),
	)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, document.Mapping{"a": document.Number(1)}, m.Config())

	entries := logs.FilterMessageSnippet("failed to load external configuration").All()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].ContextMap(), "error")
}

func TestInitializeMalformedSourceIsNonFatal(t *testing.T) {
	path := writeFile(t, "cfg.toml", "this is = = not toml")
	m := newTestManager(t, []string{"-C", path}, nil)
	require.NoError(t, m.Initialize(context.Background()))
	assert.Empty(t, m.Config())
}

func TestInitializeEncryptedSource(t *testing.T) {
	envelope, err := Encrypt([]byte(`{"commonAll":{"db":{"password":"s3cret"}}}`), testSecret)
	require.NoError(t, err)
	path := writeFile(t, "secrets.json.enc", string(envelope))

	m := newTestManager(t, []string{"-C", path}, []string{SecretEnv + "=" + testSecret})
	require.NoError(t, m.Initialize(context.Background()))

	password, ok := m.Get("db.password")
	require.True(t, ok)
	assert.Equal(t, document.String("s3cret"), password)
	_, leaked := m.Get("aes.password")
	assert.False(t, leaked, "secret must not become a configuration key")
}

func TestInitializeEncryptedSourceFailures(t *testing.T) {
	envelope, err := Encrypt([]byte(`{"commonAll":{"a":1}}`), testSecret)
	require.NoError(t, err)
	path := writeFile(t, "secrets.enc", string(envelope))

	t.Run("missing secret", func(t *testing.T) {
		m := newTestManager(t, []string{"-C", path}, nil)
		err := m.Initialize(context.Background())
		require.ErrorIs(t, err, ErrMissingSecret)
		assert.Empty(t, m.Config())
	})

	t.Run("wrong key", func(t *testing.T) {
		m := newTestManager(t, []string{"-C", path}, []string{SecretEnv + "=" + wrongSecret})
		err := m.Initialize(context.Background())
		require.Error(t, err)
		assert.True(t, isFatal(err))

		// a failed pass can be retried
		err = m.Initialize(context.Background())
		assert.NotErrorIs(t, err, ErrAlreadyInitialized)
	})
}

func TestInitializeRemoteSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cfg.yaml", r.URL.Path)
		_, _ = w.Write([]byte("commonAll:\n  remote: true\n"))
	}))
	t.Cleanup(srv.Close)

	recorder := metrics.New(nil)
	fetcher := fetch.New(fetch.WithLogger(zaptest.NewLogger(t)), fetch.WithMetrics(recorder))
	m := newTestManager(t, []string{"-C", srv.URL + "/cfg.yaml"}, nil, WithFetcher(fetcher), WithMetrics(recorder))

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, document.Mapping{"remote": document.Bool(true)}, m.Config())
}

func TestInitializeRemoteSourceWithoutFetcher(t *testing.T) {
	m := newTestManager(t, []string{"-C", "https://config.invalid/cfg.json"}, nil)
	require.NoError(t, m.Initialize(context.Background()))
	assert.Empty(t, m.Config())
}

func TestInitializeGuards(t *testing.T) {
	m := newTestManager(t, nil, nil)
	require.NoError(t, m.Initialize(context.Background()))
	assert.ErrorIs(t, m.Initialize(context.Background()), ErrAlreadyInitialized)
}

func TestInitializeConcurrentCalls(t *testing.T) {
	m := newTestManager(t, nil, []string{"TSRLIB_A=1"})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Initialize(context.Background())
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.True(t, err == ErrInitializing || err == ErrAlreadyInitialized, "unexpected error: %v", err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestInitializeEmitsOnlyInitialized(t *testing.T) {
	m := newTestManager(t, []string{"--server-port", "5000"}, []string{"TSRLIB_UI_THEME=light"})

	var initialized []document.Mapping
	var changes int
	m.On(EventInitialized, func(e Event) { initialized = append(initialized, e.Config) })
	m.On(EventChange, func(Event) { changes++ })
	m.On(ChangeEvent("server.port"), func(Event) { changes++ })

	handle := m.Config()
	require.NoError(t, m.Initialize(context.Background()))

	require.Len(t, initialized, 1)
	assert.Equal(t, 0, changes)
	port, _ := initialized[0].Lookup("server.port")
	assert.Equal(t, document.Number(5000), port)

	theme, ok := handle.Lookup("ui.theme")
	require.True(t, ok, "handle taken before initialization must observe the result")
	assert.Equal(t, document.String("light"), theme)
}

func TestUpdateValueNotifies(t *testing.T) {
	m := newTestManager(t, nil, nil)
	require.NoError(t, m.Initialize(context.Background()))

	var got []document.Value
	var general []Event
	m.On(ChangeEvent("ui.theme"), func(e Event) { got = append(got, e.Value) })
	m.On(EventChange, func(e Event) { general = append(general, e) })
	m.On(ChangeEvent("ui.other"), func(Event) { t.Fatalf("unrelated listener invoked") })

	require.NoError(t, m.UpdateValue("ui.theme", document.String("dark")))

	assert.Equal(t, []document.Value{document.String("dark")}, got)
	require.Len(t, general, 1)
	assert.Equal(t, "ui.theme", general[0].Path)
	assert.Equal(t, document.String("dark"), general[0].Value)

	theme, _ := m.Config().Lookup("ui.theme")
	assert.Equal(t, document.String("dark"), theme)
}

func TestUpdateValueRejectsInvalidInput(t *testing.T) {
	m := newTestManager(t, nil, nil)
	assert.ErrorIs(t, m.UpdateValue("", document.Bool(true)), ErrInvalidPath)
	assert.ErrorIs(t, m.UpdateValue("a..b", document.Bool(true)), ErrInvalidPath)
	assert.ErrorIs(t, m.UpdateValue("a", nil), ErrNilValue)
}

func TestListenerCancel(t *testing.T) {
	m := newTestManager(t, nil, nil)
	calls := 0
	cancel := m.On(EventChange, func(Event) { calls++ })

	require.NoError(t, m.UpdateValue("a", document.Number(1)))
	cancel()
	cancel()
	require.NoError(t, m.UpdateValue("a", document.Number(2)))

	assert.Equal(t, 1, calls)
}

func TestListenerMayReadState(t *testing.T) {
	m := newTestManager(t, nil, nil)
	var seen document.Value
	m.On(ChangeEvent("a"), func(Event) { seen, _ = m.Get("a") })

	require.NoError(t, m.UpdateValue("a", document.Number(7)))
	assert.Equal(t, document.Number(7), seen)
}

func TestConfigIsIdempotent(t *testing.T) {
	m := newTestManager(t, []string{"--x", "1"}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	first := m.Snapshot()
	second := m.Snapshot()
	assert.True(t, document.Equal(first, second))
	assert.True(t, document.Equal(m.Config(), m.Config()))
}

func TestWatchStreamsChanges(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	changes := m.Watch(ctx, 4)

	require.NoError(t, m.UpdateValue("ui.theme", document.String("dark")))

	select {
	case change := <-changes:
		assert.Equal(t, Change{Path: "ui.theme", Value: document.String("dark")}, change)
	case <-time.After(time.Second):
		t.Fatalf("expected change record")
	}

	cancel()
	select {
	case _, open := <-changes:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatalf("expected channel to close after cancellation")
	}
}

func TestWatchDropsWhenFull(t *testing.T) {
	recorder := metrics.New(nil)
	m := newTestManager(t, nil, nil, WithMetrics(recorder))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := m.Watch(ctx, 1)

	require.NoError(t, m.UpdateValue("a", document.Number(1)))
	require.NoError(t, m.UpdateValue("a", document.Number(2)))

	first := <-changes
	assert.Equal(t, document.Number(1), first.Value)
	select {
	case extra := <-changes:
		t.Fatalf("unexpected buffered change %v", extra)
	default:
	}
}

func TestJSONHelpers(t *testing.T) {
	m := newTestManager(t, []string{"--server-port", "5000"}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	s, err := m.JSONString()
	require.NoError(t, err)
	assert.JSONEq(t, `{"server":{"port":5000}}`, s)

	b, err := m.JSONBytes()
	require.NoError(t, err)
	assert.Equal(t, s, string(b))
}

func TestReloadAppliesChangedLeaves(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"commonAll":{"db":{"host":"a","port":1}}}`)
	m := newTestManager(t, []string{"-C", path}, nil)

	assert.ErrorIs(t, m.Reload(context.Background()), ErrNotInitialized)
	require.NoError(t, m.Initialize(context.Background()))

	var changed []string
	m.On(EventChange, func(e Event) { changed = append(changed, e.Path) })

	require.NoError(t, os.WriteFile(path, []byte(`{"commonAll":{"db":{"host":"a","port":2,"user":"u"}}}`), 0o600))
	require.NoError(t, m.Reload(context.Background()))

	assert.Equal(t, []string{"db.port", "db.user"}, changed)
	port, _ := m.Get("db.port")
	assert.Equal(t, document.Number(2), port)
}

func TestReloadKeepsRuntimeUpdatesForUnchangedLeaves(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"commonAll":{"ui":{"theme":"light"},"n":1}}`)
	m := newTestManager(t, []string{"-C", path}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, m.UpdateValue("ui.theme", document.String("dark")))
	require.NoError(t, os.WriteFile(path, []byte(`{"commonAll":{"ui":{"theme":"light"},"n":2}}`), 0o600))
	require.NoError(t, m.Reload(context.Background()))

	theme, _ := m.Get("ui.theme")
	assert.Equal(t, document.String("dark"), theme)
	n, _ := m.Get("n")
	assert.Equal(t, document.Number(2), n)
}

func TestReloadKeepsSubtreeWhenSourceEmptiesIt(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"commonAll":{"x":{"y":1}}}`)
	m := newTestManager(t, []string{"-C", path}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, m.UpdateValue("x.z", document.Number(2)))

	var changed []string
	m.On(EventChange, func(e Event) { changed = append(changed, e.Path) })

	require.NoError(t, os.WriteFile(path, []byte(`{"commonAll":{"x":{}}}`), 0o600))
	require.NoError(t, m.Reload(context.Background()))

	assert.Empty(t, changed)
	y, ok := m.Get("x.y")
	require.True(t, ok)
	assert.Equal(t, document.Number(1), y)
	z, ok := m.Get("x.z")
	require.True(t, ok)
	assert.Equal(t, document.Number(2), z)
}

func TestReloadAddsNewEmptySection(t *testing.T) {
	path := writeFile(t, "cfg.json", `{"commonAll":{"n":1}}`)
	m := newTestManager(t, []string{"-C", path}, nil)
	require.NoError(t, m.Initialize(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(`{"commonAll":{"n":1,"extra":{}}}`), 0o600))
	require.NoError(t, m.Reload(context.Background()))

	extra, ok := m.Get("extra")
	require.True(t, ok)
	assert.Equal(t, document.Mapping{}, extra)
}

func TestInitializeEncryptedSourceChecksSecretFirst(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.enc")

	m := newTestManager(t, []string{"-C", missing}, nil)
	err := m.Initialize(context.Background())
	require.ErrorIs(t, err, ErrMissingSecret)

	m = newTestManager(t, []string{"-C", missing}, []string{SecretEnv + "=abc"})
	err = m.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInvalidSecret)

	// with a valid key an unreadable envelope is only logged
	m = newTestManager(t, []string{"-C", missing}, []string{SecretEnv + "=" + testSecret})
	require.NoError(t, m.Initialize(context.Background()))
}

func TestDescriptorFallback(t *testing.T) {
	m := New(
		WithArgs(nil),
		WithEnviron(nil),
		WithDefaults([]byte(`{}`)),
		WithDescriptor(filepath.Join(t.TempDir(), "package.json")),
		WithLogger(zaptest.NewLogger(t)),
	)
	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, DefaultAppName, m.Identity().AppName)

	descriptor := writeFile(t, "package.json", `{"name":"from-descriptor"}`)
	named := New(WithArgs(nil), WithEnviron(nil), WithDescriptor(descriptor))
	require.NoError(t, named.Initialize(context.Background()))
	assert.Equal(t, "from-descriptor", named.Identity().AppName)
}
