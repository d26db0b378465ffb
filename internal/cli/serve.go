package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pv/cgmrig/internal/api"
	"github.com/pv/cgmrig/internal/logger"
	"github.com/pv/cgmrig/internal/rig"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command, which runs the daemon until
// SIGINT or SIGTERM.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the rig daemon",
		Long: `Run the transmitter session supervisor, the sync scheduler and the HTTP API.

Example:
  cgmrig serve --config /etc/cgmrig.yaml
  cgmrig serve --transmitter-id 8G1234 --storage sqlite --sqlite-path ./cgmrig.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger.Init(cfg.Logging.Format, logger.ParseLevel(cfg.Logging.Level))
	logger.Debug("Effective config",
		"transmitter", cfg.Transmitter.ID,
		"command", cfg.Transmitter.Command,
		"storage", cfg.Storage.Type,
		"nightscout", cfg.Nightscout.URL != "",
		"mqtt", cfg.MQTT.Enabled)

	r, err := rig.New(cfg, logger.Log)
	if err != nil {
		return fmt.Errorf("create rig: %w", err)
	}
	r.Start()
	defer r.Stop()

	control := api.NewControl(cfg.HTTP.ControlTokens)
	handlers := api.NewHandlers(r, control, logger.Log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           api.NewServer(handlers, r.Hub(), r.MetricsHandler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", httpServer.Addr, "control", control.IsEnabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Shutting down server", "signal", sig.String())
	case err := <-serveErr:
		logger.Error("Server failed", "addr", httpServer.Addr, "error", err)
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Server shutdown error", "error", err)
	}
	logger.Info("Server stopped")
	return nil
}
