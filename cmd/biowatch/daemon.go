package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"biowatch/internal/digest"
	"biowatch/internal/telemetry"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the ingestion and digest scheduler",
	Long: `Runs biowatch as a long-lived process: ingestion batches on the
configured cron schedule, digest dispatch at the top of every hour, and
a Prometheus metrics endpoint.

Stops cleanly on SIGINT or SIGTERM; an in-flight batch finishes before
shutdown completes.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	notifier, err := newNotifier(false)
	if err != nil {
		return err
	}

	runner := newRunner(st)
	cfg := digestConfig()
	dispatcher := digest.NewDispatcher(st, digest.NewMatcher(st, cfg), notifier, cfg)
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()

	ingestSchedule := viper.GetString("daemon.ingest_schedule")
	if _, err := scheduler.AddFunc(ingestSchedule, func() {
		slog.Info("scheduled ingestion starting", "schedule", ingestSchedule)
		payloads := fetchPayloads(ctx)
		if len(payloads) == 0 {
			slog.Warn("scheduled ingestion retrieved no payloads")
			return
		}
		report := runner.Run(ctx, payloads)
		metrics.ObserveBatch(report.Inserted, report.Updated, report.Unchanged,
			report.Failed, report.Malformed, report.Duration.Seconds())
	}); err != nil {
		return fmt.Errorf("invalid ingest schedule %q: %w", ingestSchedule, err)
	}

	if _, err := scheduler.AddFunc("0 * * * *", func() {
		now := time.Now()
		report, err := dispatcher.RunDueAt(ctx, now)
		if err != nil {
			slog.Error("digest cycle failed", "error", err)
			return
		}
		metrics.ObserveDigest(report.Delivered, report.Failed)

		channel := viper.GetString("digest.default_channel")
		if channel != "" && now.Hour() == viper.GetInt("digest.default_hour") {
			if err := dispatcher.RunDefault(ctx, channel, now); err != nil {
				slog.Error("default channel digest failed", "error", err)
			}
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule digest cycle: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("daemon.metrics_port")),
		Handler: mux,
	}
	go func() {
		slog.Info("metrics endpoint listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	scheduler.Start()
	slog.Info("daemon started", "ingest_schedule", ingestSchedule)

	<-ctx.Done()
	slog.Info("shutting down")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
