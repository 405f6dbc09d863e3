package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcp-sse"
	"github.com/MegaGrindStone/go-mcp-sse/servers/demo"
	"github.com/MegaGrindStone/go-mcp-sse/servers/files"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	pruneInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo capabilities over SSE",
	Long: `Serve the demo capabilities. Clients open the push stream with a GET on the SSE path
and post their requests to the message path announced in the first event.

Examples:
  # Serve on port 8000, mounting the endpoints under /subapi
  mcpsse serve --listen :8000 --base-path /subapi

  # Answer the POST only once the response was pushed
  mcpsse serve --ack-on-delivery

  # Also expose the files below ./docs
  mcpsse serve --root ./docs`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":8000", "address to listen on")
	serveCmd.Flags().String("base-path", "", "path prefix of the SSE and message endpoints")
	serveCmd.Flags().String("sse-path", "/sse", "path of the push stream endpoint")
	serveCmd.Flags().String("message-path", "/message", "path of the request endpoint")
	serveCmd.Flags().String("metrics-path", "/metrics", "path of the Prometheus endpoint, empty to disable")
	serveCmd.Flags().Duration("keep-alive", 15*time.Second, "interval of keep-alive comments on idle push streams")
	serveCmd.Flags().Duration("session-retention", 5*time.Minute, "how long closed sessions are remembered")
	serveCmd.Flags().Duration("send-timeout", 30*time.Second, "timeout for writing a response to a push stream")
	serveCmd.Flags().Bool("ack-on-delivery", false, "acknowledge requests only after the response was pushed")
	serveCmd.Flags().StringSlice("cors-origins", []string{"*"}, "allowed CORS origins")
	serveCmd.Flags().String("instructions", "", "instructions sent to clients during the handshake")
	serveCmd.Flags().String("root", "", "directory to expose through the file tools and resources")

	for key, flag := range map[string]string{
		"serve.listen":            "listen",
		"serve.base_path":         "base-path",
		"serve.sse_path":          "sse-path",
		"serve.message_path":      "message-path",
		"serve.metrics_path":      "metrics-path",
		"serve.keep_alive":        "keep-alive",
		"serve.session_retention": "session-retention",
		"serve.send_timeout":      "send-timeout",
		"serve.ack_on_delivery":   "ack-on-delivery",
		"serve.cors_origins":      "cors-origins",
		"serve.instructions":      "instructions",
		"serve.root":              "root",
	} {
		bindFlag(key, serveCmd.Flags().Lookup(flag))
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := mcp.NewMetrics(promRegistry, "")
	if err != nil {
		return err
	}

	registry := mcp.NewRegistry()
	if err := demo.Register(registry); err != nil {
		return fmt.Errorf("failed to register demo capabilities: %w", err)
	}
	if dir := viper.GetString("serve.root"); dir != "" {
		root, err := files.New(dir)
		if err != nil {
			return err
		}
		if err := root.Register(registry); err != nil {
			return fmt.Errorf("failed to register file capabilities: %w", err)
		}
		logger.Info("exposing files", "root", root.Dir())
	}

	sessions := mcp.NewSessionManager(
		mcp.WithSessionRetention(viper.GetDuration("serve.session_retention")),
		mcp.WithSessionManagerLogger(logger),
		mcp.WithSessionManagerMetrics(metrics),
	)
	dispatcher := mcp.NewDispatcher(
		mcp.Info{Name: "mcpsse-demo", Version: Version},
		registry,
		sessions,
		mcp.WithInstructions(viper.GetString("serve.instructions")),
		mcp.WithDispatcherSendTimeout(viper.GetDuration("serve.send_timeout")),
		mcp.WithDispatcherLogger(logger),
		mcp.WithDispatcherMetrics(metrics),
	)

	basePath := viper.GetString("serve.base_path")
	ssePath := basePath + viper.GetString("serve.sse_path")
	messagePath := basePath + viper.GetString("serve.message_path")

	sseOpts := []mcp.SSEServerOption{
		mcp.WithSSEServerKeepAlive(viper.GetDuration("serve.keep_alive")),
		mcp.WithSSEServerLogger(logger),
	}
	if viper.GetBool("serve.ack_on_delivery") {
		sseOpts = append(sseOpts, mcp.WithAckOnDelivery())
	}
	sseServer := mcp.NewSSEServer(messagePath, sessions, dispatcher, sseOpts...)

	mux := http.NewServeMux()
	mux.Handle(ssePath, sseServer.HandleSSE())
	mux.Handle(messagePath, sseServer.HandleMessage())
	if metricsPath := viper.GetString("serve.metrics_path"); metricsPath != "" {
		mux.Handle(metricsPath, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: viper.GetStringSlice("serve.cors_origins"),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
	})

	httpServer := &http.Server{
		Addr:              viper.GetString("serve.listen"),
		Handler:           corsHandler.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go sessions.PruneLoop(ctx, pruneInterval)

	errs := make(chan error, 1)
	go func() {
		logger.Info("serving",
			"addr", httpServer.Addr,
			"ssePath", ssePath,
			"messagePath", messagePath)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// In-flight calls first, so their responses still reach the open push streams.
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown dispatcher", "err", err)
	}
	if err := sseServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown SSE server", "err", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
