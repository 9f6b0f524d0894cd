package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/remoting/internal/logger"
	"github.com/marmos91/remoting/pkg/config"
	"github.com/marmos91/remoting/pkg/metrics"
	prom "github.com/marmos91/remoting/pkg/metrics/prometheus"
	"github.com/marmos91/remoting/pkg/registry"
	"github.com/marmos91/remoting/pkg/server"
	"github.com/marmos91/remoting/pkg/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a remoting server",
	Long: `Start a remoting server from configuration, hosting the built-in
echo service for smoke testing.

Examples:
  # Serve with default config location
  remoting serve

  # Serve with custom config
  remoting serve --config /etc/remoting/config.yaml

  # Override config via environment
  REMOTING_LOGGING_LEVEL=DEBUG remoting serve`,
	RunE: runServe,
}

// EchoService is the built-in smoke-test service hosted by "serve" and
// targeted by "call".
type EchoService struct{}

// Echo returns its input unchanged.
func (s *EchoService) Echo(text string) string { return text }

// Reverse returns its input reversed rune-by-rune.
func (s *EchoService) Reverse(text string) string {
	runes := []rune(text)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

// Upper returns its input upper-cased.
func (s *EchoService) Upper(text string) string { return strings.ToUpper(text) }

// Now returns the server's current time.
func (s *EchoService) Now() time.Time { return time.Now() }

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	var rpcMetrics *prom.RPCMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		rpcMetrics = prom.NewRPCMetrics()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer metricsSrv.Close() //nolint:errcheck
		logger.Info("Metrics endpoint up", "port", cfg.Metrics.Port)
	}

	srv, err := server.New(server.Options{Config: cfg, Metrics: rpcMetrics})
	if err != nil {
		return err
	}
	if _, err := srv.Services().Register("echo", func() any { return &EchoService{} }, service.Singleton); err != nil {
		return err
	}
	if err := registry.RegisterServer(registry.DefaultName, srv); err != nil {
		return err
	}
	defer registry.UnregisterServer(registry.DefaultName)

	// Hot-reload: follow logging level changes without restart.
	if path := GetConfigFile(); path != "" {
		watcher, err := config.Watch(path, func(next *config.Config) {
			logger.SetLevel(next.Logging.Level)
		})
		if err != nil {
			logger.Warn("Config watch unavailable", "error", err)
		} else {
			defer watcher.Close() //nolint:errcheck
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("Shutting down", "signal", sig)
		return srv.Close()
	}
}
