package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/internal/tracing"
	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// drainTimeout bounds how long Stop waits for in-flight turns.
const drainTimeout = 30 * time.Second

// Start brings the services up. It returns once everything is
// listening; the daemon then runs until Stop.
func (d *Daemon) Start(ctx context.Context) error {
	if d.cfg.Observability.TracingEnabled {
		if err := tracing.InitOpenTelemetry("openclaw"); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	d.index.Start()

	if d.recall != nil {
		d.recall.Start()
	}

	if d.plugins != nil {
		loaded, err := d.plugins.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to load plugins: %w", err)
		}
		if len(loaded) > 0 {
			log.Info().Strs("plugins", loaded).Msg("Plugins loaded")
		}
	}

	if d.gateway != nil {
		if err := d.gateway.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
	}

	if d.metricsSrv != nil {
		if err := d.metricsSrv.start(); err != nil {
			return fmt.Errorf("failed to start metrics listener: %w", err)
		}
	}

	if d.janitor != nil {
		d.janitor.Start()
	}

	log.Info().Msg("Daemon started")
	return nil
}

// Stop shuts the daemon down in reverse dependency order: stop taking
// work, drain in-flight turns, then close the stores.
func (d *Daemon) Stop() {
	log.Info().Msg("Daemon stopping")

	if d.janitor != nil {
		d.janitor.Stop()
	}
	if d.schedules != nil {
		if err := d.schedules.Stop(); err != nil {
			log.Warn().Err(err).Msg("Schedule service stop failed")
		}
	}
	if d.gateway != nil {
		if err := d.gateway.Stop(); err != nil {
			log.Warn().Err(err).Msg("Gateway stop failed")
		}
	}
	if d.metricsSrv != nil {
		d.metricsSrv.stop()
	}

	if !d.queue.WaitForActive(drainTimeout) {
		log.Warn().Dur("timeout", drainTimeout).Msg("Turns still in flight at drain deadline")
	}
	if err := d.queue.Close(); err != nil {
		log.Warn().Err(err).Msg("Command queue close failed")
	}

	if d.plugins != nil {
		d.plugins.Close()
	}

	d.closeAll()

	if d.cfg.Observability.TracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}

	log.Info().Msg("Daemon stopped")
}

// Run starts the daemon and blocks until the context is cancelled or
// SIGINT/SIGTERM arrives, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Start(ctx); err != nil {
		d.Stop()
		return err
	}

	<-ctx.Done()
	d.Stop()
	return nil
}

// deliverScheduled routes a fired schedule job into the agent's main
// session as an ordinary inbound message.
func (d *Daemon) deliverScheduled(ctx context.Context, agentID, message string) error {
	_, err := d.runtime.Deliver(ctx, eventlog.MainKey(agentID), message, nil)
	return err
}

// metricsServer is the standalone /metrics listener used when the
// gateway (which serves /metrics itself) is disabled.
type metricsServer struct {
	addr     string
	listener net.Listener
	server   *http.Server
}

func newMetricsServer(addr string) *metricsServer {
	return &metricsServer{addr: addr}
}

func (m *metricsServer) start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())

	listener, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.addr, err)
	}
	m.listener = listener
	m.server = &http.Server{Handler: mux}

	log.Info().Str("addr", listener.Addr().String()).Msg("Metrics listener started")

	go func() {
		if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics listener error")
		}
	}()

	return nil
}

func (m *metricsServer) stop() {
	if m.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = m.server.Shutdown(ctx)
}
