package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octobot/octobot/internal/backport"
	"github.com/octobot/octobot/internal/cfg"
	"github.com/octobot/octobot/internal/clonepool"
	"github.com/octobot/octobot/internal/githubclt"
	"github.com/octobot/octobot/internal/handler"
	"github.com/octobot/octobot/internal/jira"
	"github.com/octobot/octobot/internal/logfields"
	"github.com/octobot/octobot/internal/notify"
	github_prov "github.com/octobot/octobot/internal/provider/github"
	"github.com/octobot/octobot/internal/retry"
	"github.com/octobot/octobot/internal/store"
	"github.com/octobot/octobot/internal/workqueue"
)

const appName = "octobot"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const (
	logLevelEnvVar = "OCTOBOT_LOG_LEVEL"
	portEnvVar     = "OCTOBOT_PORT"
)

const askPassBinary = "octobot-askpass"

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPServer(listenAddr string, mux *http.ServeMux) {
	httpServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating http server",
			logfields.Event("http_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down http server failed",
				logfields.Event("http_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"http server started",
			logfields.Event("http_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("http server terminated", logfields.Event("http_server_terminated"))
			return
		}

		logger.Fatal(
			"http server terminated unexpectedly",
			logfields.Event("http_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPSServer(listenAddr string, certFile, keyFile string, mux *http.ServeMux) {
	httpsServer := http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating https server",
			logfields.Event("https_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := httpsServer.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down https server failed",
				logfields.Event("https_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			"https server started",
			logfields.Event("https_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := httpsServer.ListenAndServeTLS(certFile, keyFile)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info("https server terminated", logfields.Event("https_server_terminated"))
			return
		}

		logger.Fatal(
			"https server terminated unexpectedly",
			logfields.Event("https_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ShowVersion *bool
}

var args arguments

func mustParseCommandlineParams() string {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION] CONFIG-FILE\nReceive webhook events from a code hosting platform and react to them.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0)
	}

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	return pflag.Arg(0)
}

func mustParseCfg(configPath string) *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(configPath)
	exitOnErr("could not open configuration file", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", configPath), err)
	}

	return config
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	zcfg := zap.NewProductionEncoderConfig()

	zcfg.LevelKey = "loglevel"
	if config.LogTimeKey != "" {
		zcfg.TimeKey = config.LogTimeKey
	}
	zcfg.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncodeDuration = zapcore.StringDurationEncoder

	return zcfg
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	return zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(zapEncoderConfig(config)),
		os.Stdout,
		logLevel),
	)
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.Sampling = nil
	zcfg.EncoderConfig = zapEncoderConfig(config)
	zcfg.OutputPaths = []string{"stdout"}
	zcfg.Encoding = config.LogFormat
	zcfg.Level = zap.NewAtomicLevelAt(logLevel)

	l, err := zcfg.Build()
	exitOnErr("could not initialize logger", err)

	return l
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level

	levelStr := config.LogLevel
	if envLevel := os.Getenv(logLevelEnvVar); envLevel != "" {
		levelStr = envLevel
	}

	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else if levelStr != "" {
		if err := (&logLevel).Set(levelStr); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", levelStr, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "", "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// backportSessions adapts the session registry to the interface of the
// backport engine.
type backportSessions struct {
	sessions *githubclt.Sessions
}

func (s backportSessions) ForHost(host string) (backport.HostSession, error) {
	return s.sessions.ForHost(host)
}

// handlerSessions adapts the session registry to the interface of the event
// handler.
type handlerSessions struct {
	sessions *githubclt.Sessions
}

func (s handlerSessions) ForHost(host string) (handler.GithubClient, error) {
	return s.sessions.ForHost(host)
}

func askPassPath() string {
	exe, err := os.Executable()
	exitOnErr("could not determine own executable path", err)

	return filepath.Join(filepath.Dir(exe), askPassBinary)
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	configPath := mustParseCommandlineParams()

	config := mustParseCfg(configPath)

	mustInitLogger(config)

	if port := os.Getenv(portEnvVar); port != "" {
		config.HTTPListenAddr = ":" + port
	}

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", configPath),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.WebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.WebhookSecret)),
		zap.String("clone_root_dir", config.CloneRootDir),
		zap.Int("clones_per_repo", config.ClonesPerRepo),
		zap.String("slack_webhook_url", hide(config.SlackWebhookURL)),
		zap.String("log_format", config.LogFormat),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	st := store.FromConfig(config)
	sessions := githubclt.NewSessions(config.Hosts)

	pool := clonepool.New(config.CloneRootDir, config.ClonesPerRepo)
	engine := backport.NewEngine(backportSessions{sessions: sessions}, pool, askPassPath())

	queues := workqueue.NewRegistry()
	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug(
			"stopping work queues",
			logfields.Event("workqueues_stopping"),
		)
		queues.Stop()
	})

	notifier := notify.New(notify.NewWebhookSender(config.SlackWebhookURL), st)

	retryer := retry.NewRetryer()
	goodbye.Register(func(context.Context, os.Signal) {
		retryer.Stop()
	})

	var tracker handler.IssueTracker
	if config.Jira != nil {
		// the admin service owns the authenticator for the
		// merge-versions operation, the webhook path never needs it
		coordinator := jira.NewCoordinator(jira.NewSession(config.Jira), config.Jira, nil, retryer)
		tracker = coordinator

		logger.Info(
			"issue tracker integration enabled",
			logfields.Event("jira_enabled"),
			zap.String("jira_host", config.Jira.Host),
		)
	}

	evHandler := handler.New(st, notifier, handlerSessions{sessions: sessions}, engine, queues, tracker)

	gh := github_prov.New(
		evHandler,
		github_prov.WithPayloadSecret(config.WebhookSecret),
	)

	mux := http.NewServeMux()
	mux.HandleFunc(config.WebhookEndpoint, gh.HTTPHandler)
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.WebhookEndpoint),
	)

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, mux)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			mux,
		)
	}

	select {}
}
