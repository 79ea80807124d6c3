// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// streampair correlates records streamed by two upstream sources and
// reports every identity to the sink as joined or orphaned. It runs
// until both upstreams end their streams or a termination signal
// arrives, then drains the identities still pending.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canonical/streampair/internal/sink"
	"github.com/canonical/streampair/internal/worker/pipeline"
)

var logger = loggo.GetLogger("streampair.cmd")

type settings struct {
	host             string
	port             int
	orphanTimeout    time.Duration
	flushInterval    time.Duration
	postRetryDelay   time.Duration
	maxRetries       int
	maxPendingSize   int
	sinkConcurrency  int64
	shutdownDeadline time.Duration
	pollInterval     time.Duration
	pollErrorDelay   time.Duration
	loggingConfig    string
	metricsPort      int
}

func defaultSettings() settings {
	return settings{
		host:             envString("HOST", "localhost"),
		port:             envInt("PORT", 7299),
		orphanTimeout:    envDuration("ORPHAN_TIMEOUT", 60*time.Second),
		flushInterval:    envDuration("FLUSH_INTERVAL", 2*time.Second),
		postRetryDelay:   envDuration("POST_RETRY_DELAY", 200*time.Millisecond),
		maxRetries:       envInt("MAX_RETRIES", 3),
		maxPendingSize:   envInt("MAX_PENDING_SIZE", 10000),
		sinkConcurrency:  int64(envInt("SINK_CONCURRENCY", 64)),
		shutdownDeadline: envDuration("SHUTDOWN_DEADLINE", 10*time.Second),
		pollInterval:     envDuration("POLL_INTERVAL", 0),
		pollErrorDelay:   envDuration("POLL_ERROR_DELAY", 500*time.Millisecond),
		loggingConfig:    envString("LOGGING_CONFIG", "<root>=INFO"),
		metricsPort:      envInt("METRICS_PORT", 0),
	}
}

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the pipeline and returns the process exit code.
func Main(args []string) int {
	cfg := defaultSettings()
	flags := gnuflag.NewFlagSetWithFlagKnownAs("streampair", gnuflag.ContinueOnError, "option")
	flags.StringVar(&cfg.host, "host", cfg.host, "upstream and sink host")
	flags.IntVar(&cfg.port, "port", cfg.port, "upstream and sink port")
	flags.DurationVar(&cfg.orphanTimeout, "orphan-timeout", cfg.orphanTimeout, "pending age at which an identity becomes orphaned")
	flags.DurationVar(&cfg.flushInterval, "flush-interval", cfg.flushInterval, "orphan flusher cadence")
	flags.DurationVar(&cfg.postRetryDelay, "post-retry-delay", cfg.postRetryDelay, "initial sink retry backoff")
	flags.IntVar(&cfg.maxRetries, "max-retries", cfg.maxRetries, "sink attempts per classification")
	flags.IntVar(&cfg.maxPendingSize, "max-pending-size", cfg.maxPendingSize, "soft cap on the pending table")
	flags.Int64Var(&cfg.sinkConcurrency, "sink-concurrency", cfg.sinkConcurrency, "max in-flight sink submissions")
	flags.DurationVar(&cfg.shutdownDeadline, "shutdown-deadline", cfg.shutdownDeadline, "terminal drain cap")
	flags.DurationVar(&cfg.pollInterval, "poll-interval", cfg.pollInterval, "delay between successful upstream polls")
	flags.DurationVar(&cfg.pollErrorDelay, "poll-error-delay", cfg.pollErrorDelay, "delay before re-polling a failed upstream")
	flags.StringVar(&cfg.loggingConfig, "logging-config", cfg.loggingConfig, "loggo configuration string")
	flags.IntVar(&cfg.metricsPort, "metrics-port", cfg.metricsPort, "serve prometheus metrics on this port (0 disables)")
	if err := flags.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := loggo.ConfigureLoggers(cfg.loggingConfig); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		return 2
	}
	return run(cfg)
}

func run(cfg settings) int {
	baseURL := fmt.Sprintf("http://%s:%d", cfg.host, cfg.port)
	httpClient := &http.Client{Timeout: 30 * time.Second}

	metrics := sink.NewMetrics()
	if cfg.metricsPort > 0 {
		serveMetrics(cfg.metricsPort, metrics)
	}

	submitter, err := sink.NewSubmitter(sink.SubmitterConfig{
		Deliverer:   sink.NewClient(baseURL, httpClient),
		Clock:       clock.WallClock,
		RetryDelay:  cfg.postRetryDelay,
		MaxAttempts: cfg.maxRetries,
		Concurrency: cfg.sinkConcurrency,
		Metrics:     metrics,
	})
	if err != nil {
		logger.Errorf("building submitter: %v", err)
		return 2
	}
	w, err := pipeline.NewWorker(pipeline.Config{
		BaseURL:          baseURL,
		HTTPClient:       httpClient,
		Submitter:        submitter,
		Clock:            clock.WallClock,
		PollInterval:     cfg.pollInterval,
		PollErrorDelay:   cfg.pollErrorDelay,
		FlushInterval:    cfg.flushInterval,
		OrphanTimeout:    cfg.orphanTimeout,
		MaxPending:       cfg.maxPendingSize,
		ShutdownDeadline: cfg.shutdownDeadline,
	})
	if err != nil {
		logger.Errorf("starting pipeline: %v", err)
		return 2
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		sig, ok := <-sigs
		if !ok {
			return
		}
		logger.Infof("received %v, shutting down", sig)
		w.Kill()
	}()

	if err := w.Wait(); err != nil {
		if errors.Is(err, pipeline.ErrDrainTimeout) {
			logger.Errorf("shutdown deadline expired with classifications unsent")
		} else {
			logger.Errorf("pipeline failed: %v", err)
		}
		return 1
	}
	logger.Infof("all observed identities classified")
	return 0
}

func serveMetrics(port int, collectors ...prometheus.Collector) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	go func() {
		addr := fmt.Sprintf(":%d", port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warningf("metrics listener: %v", err)
		}
	}()
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warningf("ignoring %s=%q: %v", key, v, err)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warningf("ignoring %s=%q: %v", key, v, err)
		return fallback
	}
	return d
}
