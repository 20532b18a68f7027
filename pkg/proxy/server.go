// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FrankXu7/quilkin/pkg/breaker"
	"github.com/FrankXu7/quilkin/pkg/config"
	"github.com/FrankXu7/quilkin/pkg/metrics"
	"github.com/FrankXu7/quilkin/pkg/pool"
	"github.com/FrankXu7/quilkin/pkg/session"
)

const (
	// DefaultSessionTimeout is the default idle timeout for sessions.
	DefaultSessionTimeout = 60 * time.Second

	// DefaultSweepInterval is the default interval of the idle-expiry sweep.
	DefaultSweepInterval = 5 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// Config holds the proxy server configuration.
type Config struct {
	// Address is the downstream listen address (host:port).
	Address string

	// Workers is the number of goroutines in the packet processing pool.
	// If 0, uses the number of available CPUs.
	Workers int

	// BufferSize is the size of datagram read buffers in bytes.
	BufferSize int

	// SessionTimeout is the idle timeout after which a session is expired.
	SessionTimeout time.Duration

	// SweepInterval is how often the idle-expiry sweep runs.
	SweepInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for sessions to drain
	// during graceful shutdown.
	ShutdownTimeout time.Duration

	// MaxSessions is the maximum number of concurrent sessions allowed.
	// If 0, no limit is enforced.
	MaxSessions int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Breaker configures per-endpoint traffic shedding on write failures.
	Breaker breaker.Config

	// Logger for server events.
	Logger *slog.Logger
}

// packetJob represents one received datagram queued for the worker pool.
type packetJob struct {
	listener *net.UDPConn
	source   *net.UDPAddr
	data     []byte
}

// Server is the UDP proxy data plane. Every worker reads shared state only
// through the config store and the session map, both handed in at
// construction; there are no process-wide singletons.
type Server struct {
	cfg      Config
	store    *config.Store
	metrics  *metrics.Metrics
	sessions *session.Map
	breakers *breaker.Group
	buffers  *pool.BufferPool
	packetCh chan packetJob
	workerWg sync.WaitGroup

	localAddr atomic.Pointer[net.UDPAddr]
}

// New creates a proxy server reading its data-plane config from store.
func New(cfg Config, store *config.Store, m *metrics.Metrics) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		metrics:  m,
		sessions: session.NewMap(cfg.Logger, m, cfg.MaxSessions),
		breakers: breaker.NewGroup(cfg.Breaker),
		buffers:  pool.NewBufferPool(cfg.BufferSize),
		packetCh: make(chan packetJob, cfg.Workers*2),
	}

	s.breakers.OnOpen(func(endpoint string) {
		if s.metrics != nil {
			s.metrics.EndpointsShed.WithLabelValues(endpoint).Inc()
		}
		s.cfg.Logger.Warn("endpoint shed after repeated write failures",
			slog.String("endpoint", endpoint))
	})

	return s
}

// Sessions exposes the session table for operator introspection.
func (s *Server) Sessions() *session.Map {
	return s.sessions
}

// Addr returns the bound downstream address once Listen is running, or nil
// before that. With an ephemeral port configured this is where the actual
// port is learned.
func (s *Server) Addr() *net.UDPAddr {
	return s.localAddr.Load()
}

// Listen starts the proxy and blocks until the context is cancelled or the
// downstream socket becomes unusable. It implements graceful shutdown with
// session draining.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.cfg.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	defer conn.Close()

	if s.cfg.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.cfg.ReadBufferSize); err != nil {
			s.cfg.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.cfg.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.cfg.WriteBufferSize); err != nil {
			s.cfg.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	if la, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		s.localAddr.Store(la)
	}

	s.cfg.Logger.Info("proxy started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Duration("session_timeout", s.cfg.SessionTimeout),
		slog.Int("workers", s.cfg.Workers),
		slog.Int("buffer_size", s.buffers.Size()))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	s.startWorkers(workerCtx)

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	defer sweepCancel()
	go s.sessions.Sweep(sweepCtx, s.cfg.SessionTimeout, s.cfg.SweepInterval)

	readDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readDone)
		readErr = s.readLoop(ctx, conn)
	}()

	select {
	case <-ctx.Done():
		s.cfg.Logger.Info("shutdown signal received, closing listener")
	case <-readDone:
		// Listener socket failed; fall through to shutdown.
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.cfg.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	close(s.packetCh)
	workerCancel()
	s.workerWg.Wait()
	s.cfg.Logger.Info("all workers stopped")

	drainErr := s.sessions.DrainAll(s.cfg.ShutdownTimeout)
	if readErr != nil {
		return readErr
	}
	return drainErr
}

// readLoop receives datagrams from the downstream socket and queues them to
// the worker pool. It returns non-nil only when the socket itself is
// unusable.
func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		bufPtr := s.buffers.Get()
		buffer := *bufPtr

		n, source, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.buffers.Put(bufPtr)
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("downstream socket closed: %w", err)
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			// Transient receive errors (e.g. ICMP-induced) keep the loop
			// running; only a dead socket ends it.
			s.cfg.Logger.Error("failed to read packet",
				slog.String("error", err.Error()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.buffers.Put(bufPtr)

		select {
		case s.packetCh <- packetJob{listener: conn, source: source, data: datagram}:
		case <-ctx.Done():
			return nil
		default:
			if s.metrics != nil {
				s.metrics.PacketsDropped.WithLabelValues(metrics.ReasonQueueFull).Inc()
			}
			s.cfg.Logger.Warn("worker pool full, dropping packet",
				slog.String("source", source.String()))
		}
	}
}

// startWorkers starts the packet-processing goroutines.
func (s *Server) startWorkers(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWg.Add(1)
		go func(workerID int) {
			defer s.workerWg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	s.cfg.Logger.Info("worker pool started", slog.Int("workers", s.cfg.Workers))
}

// worker processes packets from the queue until it closes.
func (s *Server) worker(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-s.packetCh:
			if !ok {
				return
			}
			if err := s.processPacket(ctx, job.listener, job.source, job.data); err != nil {
				s.cfg.Logger.Debug("packet processing error",
					slog.Int("worker", workerID),
					slog.String("source", job.source.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}
