package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eugenenazirov/tsrlib/internal/application"
	"github.com/eugenenazirov/tsrlib/internal/config"
	"github.com/eugenenazirov/tsrlib/internal/document"
	"github.com/eugenenazirov/tsrlib/internal/fetch"
	"github.com/eugenenazirov/tsrlib/internal/logging"
	"github.com/eugenenazirov/tsrlib/internal/metrics"
)

var signalNotify = signal.Notify

// cli holds the parsed command line. Engine arguments (-C and overrides) are
// passed after "--" and handed to the manager untouched.
type cli struct {
	app *kingpin.Application

	defaultsFile string
	descriptor   string
	appName      string
	logLevel     string

	serve      *kingpin.CmdClause
	serveArgs  []string
	resolve    *kingpin.CmdClause
	resolveArg []string
	get        *kingpin.CmdClause
	getPath    string
	getArgs    []string
	encrypt    *kingpin.CmdClause
	encryptIn  string
	encryptOut string
	decrypt    *kingpin.CmdClause
	decryptIn  string
}

func newCLI() *cli {
	c := &cli{app: kingpin.New("tsrlib", "TSRLIB configuration engine - resolves layered configuration and serves it over HTTP")}

	c.app.Flag("defaults", "Path to a JSON document replacing the embedded defaults").StringVar(&c.defaultsFile)
	c.app.Flag("descriptor", "Package descriptor whose name selects the application section").
		Default(config.DefaultDescriptor).StringVar(&c.descriptor)
	c.app.Flag("app-name", "Application name, bypassing the descriptor").StringVar(&c.appName)
	c.app.Flag("log-level", "Log level used until log.level is resolved").Default("info").StringVar(&c.logLevel)

	c.serve = c.app.Command("serve", "Resolve configuration and serve it over HTTP").Default()
	c.serve.Arg("args", "Engine arguments after --, e.g. -- -C config.yaml --server-port 9090").StringsVar(&c.serveArgs)

	c.resolve = c.app.Command("resolve", "Print the resolved configuration as JSON")
	c.resolve.Arg("args", "Engine arguments after --").StringsVar(&c.resolveArg)

	c.get = c.app.Command("get", "Print one resolved value as JSON")
	c.get.Arg("path", "Dot-delimited path, e.g. db.mysql.port").Required().StringVar(&c.getPath)
	c.get.Arg("args", "Engine arguments after --").StringsVar(&c.getArgs)

	c.encrypt = c.app.Command("encrypt", "Seal a JSON document into the .enc envelope using "+config.SecretEnv)
	c.encrypt.Arg("input", "Plaintext JSON file").Required().ExistingFileVar(&c.encryptIn)
	c.encrypt.Flag("out", "Output file (default stdout)").Short('o').StringVar(&c.encryptOut)

	c.decrypt = c.app.Command("decrypt", "Open a .enc envelope using "+config.SecretEnv+" and print its JSON")
	c.decrypt.Arg("input", "Envelope file").Required().ExistingFileVar(&c.decryptIn)

	return c
}

func main() {
	c := newCLI()
	command := kingpin.MustParse(c.app.Parse(os.Args[1:]))

	logger, level, err := logging.New(c.logLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	if command == c.serve.FullCommand() {
		runServe(c, logger, level)
		return
	}

	if err := c.run(context.Background(), command, os.Stdout, os.Environ(), logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run executes every command except serve, writing results to out.
func (c *cli) run(ctx context.Context, command string, out io.Writer, environ []string, logger *zap.Logger) error {
	switch command {
	case c.resolve.FullCommand():
		manager, err := c.initManager(ctx, c.resolveArg, environ, logger, nil)
		if err != nil {
			return err
		}
		text, err := manager.JSONString()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, text)
		return err

	case c.get.FullCommand():
		manager, err := c.initManager(ctx, c.getArgs, environ, logger, nil)
		if err != nil {
			return err
		}
		value, ok := manager.Get(c.getPath)
		if !ok {
			return fmt.Errorf("no value at %s", c.getPath)
		}
		return writeJSON(out, document.ToAny(value))

	case c.encrypt.FullCommand():
		plaintext, err := os.ReadFile(c.encryptIn)
		if err != nil {
			return err
		}
		if _, err := document.ParseJSON(plaintext); err != nil {
			return fmt.Errorf("%s: %w", c.encryptIn, err)
		}
		envelope, err := config.Encrypt(plaintext, lookupEnv(environ, config.SecretEnv))
		if err != nil {
			return err
		}
		if c.encryptOut != "" {
			return os.WriteFile(c.encryptOut, envelope, 0o600)
		}
		_, err = out.Write(envelope)
		return err

	case c.decrypt.FullCommand():
		envelope, err := os.ReadFile(c.decryptIn)
		if err != nil {
			return err
		}
		doc, err := config.Decrypt(envelope, lookupEnv(environ, config.SecretEnv))
		if err != nil {
			return err
		}
		return writeJSON(out, document.ToAny(doc))
	}
	return fmt.Errorf("unknown command %q", command)
}

func (c *cli) initManager(ctx context.Context, args, environ []string, logger *zap.Logger, recorder *metrics.Recorder) (*config.Manager, error) {
	opts := []config.Option{
		config.WithArgs(args),
		config.WithEnviron(environ),
		config.WithDescriptor(c.descriptor),
		config.WithLogger(logger),
		config.WithMetrics(recorder),
		config.WithFetcher(fetch.New(fetch.WithLogger(logger), fetch.WithMetrics(recorder))),
	}
	if c.defaultsFile != "" {
		opts = append(opts, config.WithDefaultsFile(c.defaultsFile))
	}
	if c.appName != "" {
		opts = append(opts, config.WithAppName(c.appName))
	}

	manager := config.New(opts...)
	if err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return manager, nil
}

func runServe(c *cli, logger *zap.Logger, level zap.AtomicLevel) {
	recorder := metrics.New(prometheus.NewRegistry())

	manager, err := c.initManager(context.Background(), c.serveArgs, os.Environ(), logger, recorder)
	if err != nil {
		logger.Fatal("failed to initialize configuration", zap.Error(err))
	}

	settings, err := config.SettingsFrom(manager.Snapshot())
	if err != nil {
		logger.Fatal("invalid server settings", zap.Error(err))
	}
	if lvl, err := zapcore.ParseLevel(settings.LogLevel); err == nil {
		level.SetLevel(lvl)
	}

	app, err := application.New(settings, manager, logger, recorder)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}
	defer app.Close()

	if err := app.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	shutdown(app.Server(), settings.ShutdownGracePeriod, logger)
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}

func writeJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func lookupEnv(environ []string, name string) string {
	for i := len(environ) - 1; i >= 0; i-- {
		if value, ok := strings.CutPrefix(environ[i], name+"="); ok {
			return value
		}
	}
	return ""
}
