package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/appcache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	scopeFlag          string
	originFlag         string
	versionFlag        string
	providerFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&scopeFlag, "scope", "", "Origin served by the proxy (overrides config)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&versionFlag, "cache-version", "", "Cache version identifier (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Storage provider: sqlite, memory or redis (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	config, err := getConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read config")
	}
	applyFlags(&config)
	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to a rotated log file if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.Log.File != "" {
		logOutputs = append(logOutputs, &lumberjack.Logger{
			Filename:   config.Log.File,
			MaxSize:    config.Log.MaxSize,
			MaxBackups: config.Log.MaxBackups,
			Compress:   config.Log.Compress,
			LocalTime:  true,
		})
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	if err := run(config); err != nil {
		log.Fatal().Err(err).Msg("Exiting")
	}
}

func applyFlags(config *Config) {
	if portFlag > 0 {
		config.Port = portFlag
	}
	if scopeFlag != "" {
		config.Scope = scopeFlag
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if versionFlag != "" {
		config.Version = versionFlag
	}
	if providerFlag != "" {
		config.Storage.Provider = providerFlag
	}
	if logFilenameFlag != "" {
		config.Log.File = logFilenameFlag
	}
}

func run(config Config) error {
	scope, origin, err := config.urls()
	if err != nil {
		return err
	}
	storage, err := openStorage(config.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	network := appcache.NewHTTPNetwork(appcache.NetworkConfig{
		Scope:        scope,
		Upstream:     origin,
		UpstreamHost: config.Host,
		Timeout:      config.FetchTimeout,
	})
	reg := appcache.NewRegistration(appcache.Config{
		Scope:             scope,
		Storage:           storage,
		Network:           network,
		ClientIdleTimeout: config.ClientIdleTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker := config.workerConfig()
	// a failed install leaves requests passing through, so keep serving
	if _, err := reg.Register(ctx, worker); err != nil {
		log.Error().Err(err).Msg("Could not register worker")
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           newRouter(reg, worker, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Could not shut down gracefully")
		}
	}()

	log.Info().Msgf("Proxying port %v to %s as %s", config.Port, origin.String(), scope.String())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	// let pending stores finish before closing the storage
	reg.Wait()
	log.Info().Msg("Stopped")
	return nil
}
