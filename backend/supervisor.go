package backend

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sensorium/worldmodel/errors"
	"github.com/sensorium/worldmodel/logger"
)

// Default supervisor configuration values
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 10 * time.Second
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = time.Minute
)

// SupervisorConfig contains configuration for connection supervision.
type SupervisorConfig struct {
	// ProbeInterval is how often to health-probe a live connection
	ProbeInterval time.Duration

	// ProbeTimeout bounds each individual probe round-trip
	ProbeTimeout time.Duration

	// BackoffBase is the first reconnection delay
	BackoffBase time.Duration

	// BackoffMax caps the reconnection delay
	BackoffMax time.Duration
}

// DefaultSupervisorConfig returns the default supervision configuration.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		ProbeInterval: DefaultProbeInterval,
		ProbeTimeout:  DefaultProbeTimeout,
		BackoffBase:   DefaultBackoffBase,
		BackoffMax:    DefaultBackoffMax,
	}
}

// Event reports a connectivity transition to the sync engine.
type Event struct {
	Up  bool
	Err error // cause, when Up is false
}

// Supervisor owns the single logical connection to the remote store. It
// dials with exponential backoff, probes the live connection periodically,
// and proactively tears it down on probe failure so the sync engine enters
// DEGRADED before wasting write attempts on a dead session.
type Supervisor struct {
	dialer Dialer
	cfg    SupervisorConfig
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	conn    Conn
	healthy bool

	events    chan Event
	reconnect chan struct{}
}

// NewSupervisor creates a supervisor; Run must be called to start dialing.
func NewSupervisor(dialer Dialer, cfg SupervisorConfig, logger *zap.SugaredLogger) *Supervisor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	return &Supervisor{
		dialer:    dialer,
		cfg:       cfg,
		logger:    logger,
		events:    make(chan Event, 8),
		reconnect: make(chan struct{}, 1),
	}
}

// Events delivers connectivity transitions. The channel is buffered; the
// supervisor drops the oldest pending event rather than block.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Acquire returns the live connection, or ErrUnavailable when down.
func (s *Supervisor) Acquire() (Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.healthy || s.conn == nil {
		return nil, errors.Wrap(errors.ErrUnavailable, "no live backend connection")
	}
	return s.conn, nil
}

// Healthy reports whether the connection passed its last probe.
func (s *Supervisor) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

// ReportFailure is called by the sync engine when a write fails on a
// connection that probes had not yet flagged. It tears the connection down
// and schedules an immediate redial.
func (s *Supervisor) ReportFailure(err error) {
	s.logger.Warnw("Backend failure reported", logger.FieldError, err)
	s.teardown(err)
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

// Run supervises the connection until ctx is cancelled. On shutdown the
// probe loop stops before the connection is released.
func (s *Supervisor) Run(ctx context.Context) {
	backoff := Backoff{Base: s.cfg.BackoffBase, Max: s.cfg.BackoffMax}

	for {
		if ctx.Err() != nil {
			s.teardown(ctx.Err())
			return
		}

		conn, err := s.dialer.Dial(ctx)
		if err != nil {
			delay := backoff.Next()
			s.logger.Warnw("Backend dial failed",
				logger.FieldError, err,
				logger.FieldAttempt, backoff.Attempt(),
				logger.FieldBackoff, delay,
			)
			select {
			case <-ctx.Done():
				s.teardown(ctx.Err())
				return
			case <-time.After(delay):
			}
			continue
		}

		// Verify the fresh connection before announcing it. A dial that
		// succeeds at the transport layer can still be dead end to end.
		verifyCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		err = conn.Ping(verifyCtx)
		cancel()
		if err != nil {
			conn.Close()
			delay := backoff.Next()
			s.logger.Warnw("Connection verification failed",
				logger.FieldError, err,
				logger.FieldBackoff, delay,
			)
			select {
			case <-ctx.Done():
				s.teardown(ctx.Err())
				return
			case <-time.After(delay):
			}
			continue
		}

		backoff.Reset()
		s.mu.Lock()
		s.conn = conn
		s.healthy = true
		s.mu.Unlock()
		s.publish(Event{Up: true})

		// Probe until the connection dies or shutdown. probe() returns
		// with the ticker stopped, so probing always halts before the
		// connection handle is released.
		s.probe(ctx, conn)

		if ctx.Err() != nil {
			s.teardown(ctx.Err())
			return
		}
	}
}

// probe health-checks conn until it fails, ReportFailure replaces it, or
// ctx is cancelled.
func (s *Supervisor) probe(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	// Drop any reconnect signal raised before this connection existed
	select {
	case <-s.reconnect:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reconnect:
			// ReportFailure already tore the connection down
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
			err := conn.Ping(probeCtx)
			cancel()
			if err != nil {
				s.logger.Warnw("Health probe failed", logger.FieldError, err)
				s.teardown(err)
				return
			}
			s.logger.Debugw("Health probe ok")
		}
	}
}

// teardown closes the current connection, marks the supervisor unhealthy,
// and publishes a down event. Safe to call repeatedly.
func (s *Supervisor) teardown(cause error) {
	s.mu.Lock()
	conn := s.conn
	wasHealthy := s.healthy
	s.conn = nil
	s.healthy = false
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasHealthy {
		s.logger.Infow("Backend connection released",
			logger.FieldHealthy, false,
			logger.FieldError, cause,
		)
		s.publish(Event{Up: false, Err: cause})
	}
}

// publish delivers an event without blocking, evicting the oldest pending
// event when the buffer is full.
func (s *Supervisor) publish(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
			select {
			case <-s.events:
			default:
			}
		}
	}
}
