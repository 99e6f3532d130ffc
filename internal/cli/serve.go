package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/metrics"
	"github.com/vburojevic/traced/internal/transport"
)

// ServeCmd runs the daemon
type ServeCmd struct {
	MetricsAddr       string        `default:"${config_metrics_addr}" help:"Serve Prometheus metrics on this address (empty disables)"`
	LogLevel          string        `default:"${config_log_level}" enum:"debug,info,warn,error" help:"Daemon log level"`
	FlushTimeout      time.Duration `default:"${config_flush_timeout}" help:"Flush timeout when a session sets none"`
	CloneFlushTimeout time.Duration `default:"${config_clone_flush_timeout}" help:"Bound on the flush before a clone"`
	MaxChunkBytes     int           `default:"${config_max_chunk_bytes}" help:"Size limit of one ReadBuffers or QueryServiceState chunk"`
	MaxTotalKB        uint32        `default:"${config_max_total_kb}" help:"Cap on buffer memory across all sessions (0 = unlimited)"`
	NoClockProducer   bool          `help:"Do not offer the built-in traced.clock data source"`
}

// Run starts both sockets and blocks until interrupted
func (c *ServeCmd) Run(globals *Globals) error {
	ctx, stop := signalContext()
	defer stop()
	return c.serve(ctx, globals, nil)
}

// serve runs the daemon until ctx is done. ready, if set, is closed once
// both sockets accept connections.
func (c *ServeCmd) serve(ctx context.Context, globals *Globals, ready chan<- struct{}) error {
	logger, err := newLogger(c.LogLevel, globals.Verbose, globals.Stderr)
	if err != nil {
		return outputErrorCommon(globals, "INVALID_FLAGS", fmt.Sprintf("invalid log level: %v", err))
	}
	defer logger.Sync()

	if err := os.MkdirAll(globals.SocketDir, 0o755); err != nil {
		return outputErrorCommon(globals, "SOCKET_DIR", err.Error())
	}

	svc := consumer.NewService(consumer.Options{
		Logger:            logger,
		MaxTotalKB:        c.MaxTotalKB,
		FlushTimeout:      c.FlushTimeout,
		CloneFlushTimeout: c.CloneFlushTimeout,
		MaxChunkBytes:     c.MaxChunkBytes,
		DaemonUID:         os.Getuid(),
		NoClockProducer:   c.NoClockProducer,
	})
	defer svc.Close()

	consumers := transport.NewConsumerServer(globals.consumerSocket(), svc, logger)
	producers := transport.NewProducerServer(globals.producerSocket(), svc, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumers.Serve(gctx) })
	g.Go(func() error { return producers.Serve(gctx) })

	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", c.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		for _, ch := range []<-chan struct{}{consumers.Ready(), producers.Ready()} {
			select {
			case <-ch:
			case <-gctx.Done():
				return nil
			}
		}
		if ready != nil {
			close(ready)
		}
		if globals.ndjson() {
			return globals.writer().WriteRecord("ready", map[string]any{
				"socket_dir":   globals.SocketDir,
				"metrics_addr": c.MetricsAddr,
				"pid":          os.Getpid(),
			})
		}
		globals.Info("traced listening in %s", globals.SocketDir)
		return nil
	})

	if err := g.Wait(); err != nil {
		return outputErrorCommon(globals, "DAEMON_FAILED", err.Error())
	}
	logger.Info("daemon stopped")
	return nil
}
