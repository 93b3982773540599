// Package probe gates the environment on database readiness. It polls a
// trivial query on a fixed interval until the server answers.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"crm_devenv/internal/metrics"
)

var (
	// ErrSetup marks failures that retrying cannot fix, such as a malformed
	// connection string or rejected credentials.
	ErrSetup = errors.New("database setup error")

	// ErrNotReady is returned when a bounded probe runs out of attempts.
	ErrNotReady = errors.New("database not ready")
)

type State int

const (
	NotReady State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "READY"
	}
	return "NOT_READY"
}

// Pinger runs one connectivity round trip.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Prober struct {
	pinger      Pinger
	logger      *slog.Logger
	clock       clock.Clock
	interval    time.Duration
	timeout     time.Duration
	maxAttempts int
	metrics     *metrics.Collector
}

type Option func(*Prober)

func WithClock(c clock.Clock) Option {
	return func(p *Prober) { p.clock = c }
}

// WithMaxAttempts bounds the number of probes. Zero keeps the default of
// retrying until the context is cancelled.
func WithMaxAttempts(n int) Option {
	return func(p *Prober) { p.maxAttempts = n }
}

// WithTimeout caps a single attempt.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) { p.timeout = d }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(p *Prober) { p.metrics = m }
}

func New(pinger Pinger, interval time.Duration, logger *slog.Logger, opts ...Option) *Prober {
	p := &Prober{
		pinger:   pinger,
		logger:   logger,
		clock:    clock.WallClock,
		interval: interval,
		timeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check performs a single probe attempt.
func (p *Prober) Check(ctx context.Context) (State, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.pinger.Ping(attemptCtx); err != nil {
		p.metrics.ProbeAttempt(false)
		return NotReady, err
	}
	p.metrics.ProbeAttempt(true)
	return Ready, nil
}

// WaitUntilReady blocks until a probe succeeds. Each failed attempt writes one
// diagnostic line and success writes one confirmation line. Setup errors are
// returned immediately; cancellation of ctx is the only other way out unless
// a maximum attempt count was configured.
func (p *Prober) WaitUntilReady(ctx context.Context) error {
	attempts := p.maxAttempts
	if attempts <= 0 {
		attempts = retry.UnlimitedAttempts
	}

	var tried int
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			tried++
			_, err := p.Check(ctx)
			return err
		},
		IsFatalError: IsSetupError,
		NotifyFunc: func(lastErr error, attempt int) {
			p.logger.Warn("database not ready", "attempt", attempt, "retry_in", p.interval, "error", lastErr)
		},
		Attempts: attempts,
		Delay:    p.interval,
		Clock:    p.clock,
		Stop:     ctx.Done(),
	})
	switch {
	case err == nil:
		p.logger.Info("database ready", "attempts", tried)
		return nil
	case IsSetupError(err):
		p.logger.Error("database setup error", "error", err)
		if errors.Is(err, ErrSetup) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrSetup, err)
	case retry.IsRetryStopped(err):
		return fmt.Errorf("waiting for database: %w", ctx.Err())
	case retry.IsAttemptsExceeded(err):
		return fmt.Errorf("%w after %d attempts: %w", ErrNotReady, tried, retry.LastError(err))
	default:
		return err
	}
}

// IsSetupError reports whether err should stop the probe loop: explicit setup
// failures and server-side authorization rejections (SQLSTATE class 28).
func IsSetupError(err error) bool {
	if errors.Is(err, ErrSetup) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "28")
	}
	return false
}

// PostgresPinger connects with pgx and runs SELECT 1.
type PostgresPinger struct {
	config *pgx.ConnConfig
}

func NewPostgresPinger(connString string) (*PostgresPinger, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("%w: parse connection string: %w", ErrSetup, err)
	}
	return &PostgresPinger{config: cfg}, nil
}

func (p *PostgresPinger) Ping(ctx context.Context) error {
	conn, err := pgx.ConnectConfig(ctx, p.config.Copy())
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	var one int
	return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
}
