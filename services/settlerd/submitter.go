package settlerd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stakearena/chain"
	"stakearena/core/settlement"
	telemetry "stakearena/observability/otel"
)

var (
	// ErrSubmissionsPaused is returned while an operator has paused settlement.
	ErrSubmissionsPaused = errors.New("settlerd: submissions paused")
	// ErrSubmissionInFlight is returned when the lobby is already being submitted.
	ErrSubmissionInFlight = errors.New("settlerd: submission in flight")
	// ErrSubmissionExhausted is returned once every attempt failed. The lobby stays
	// finalizable and is retried on the next tick.
	ErrSubmissionExhausted = errors.New("settlerd: submission attempts exhausted")
)

const (
	defaultMaxAttempts = 3
	defaultBackoffUnit = time.Second
)

type submitState struct {
	inFlight  bool
	completed bool
	receipt   Receipt
	updatedAt time.Time
}

// Submitter delivers validated payouts with bounded retries. A lobby is submitted at
// most once per process; repeated calls return the cached receipt.
type Submitter struct {
	delivery    Delivery
	metrics     *Metrics
	maxAttempts int
	backoffUnit time.Duration
	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer

	mu        sync.Mutex
	paused    bool
	processed map[uint64]submitState
}

// SubmitterOption customises the submitter instance.
type SubmitterOption func(*Submitter)

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *Metrics) SubmitterOption {
	return func(s *Submitter) { s.metrics = m }
}

// WithMaxAttempts bounds the attempts per Submit call.
func WithMaxAttempts(n int) SubmitterOption {
	return func(s *Submitter) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoffUnit scales the exponential wait between attempts.
func WithBackoffUnit(unit time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if unit >= 0 {
			s.backoffUnit = unit
		}
	}
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) SubmitterOption {
	return func(s *Submitter) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSubmitter constructs a submitter over delivery.
func NewSubmitter(delivery Delivery, opts ...SubmitterOption) (*Submitter, error) {
	if delivery == nil {
		return nil, fmt.Errorf("settlerd: delivery required")
	}
	s := &Submitter{
		delivery:    delivery,
		metrics:     NewMetrics(),
		maxAttempts: defaultMaxAttempts,
		backoffUnit: defaultBackoffUnit,
		now:         time.Now,
		logger:      slog.Default(),
		tracer:      telemetry.Tracer("stakearena/settlerd"),
		processed:   make(map[uint64]submitState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Strategy reports the configured delivery strategy.
func (s *Submitter) Strategy() string { return s.delivery.Strategy() }

// Submit validates payout and delivers it, retrying with exponential backoff.
func (s *Submitter) Submit(ctx context.Context, payout *settlement.Payout) (Receipt, error) {
	if payout == nil {
		return Receipt{}, fmt.Errorf("settlerd: payout required")
	}
	if err := payout.Validate(); err != nil {
		s.metrics.RecordInvariantViolation()
		s.logger.Error("payout failed validation", slog.Uint64("lobby", payout.LobbyID), slog.Any("error", err))
		return Receipt{}, err
	}
	id := payout.LobbyID
	strategy := s.delivery.Strategy()

	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		s.metrics.RecordFailure(strategy, "paused")
		return Receipt{}, ErrSubmissionsPaused
	}
	if state, ok := s.processed[id]; ok {
		s.mu.Unlock()
		if state.completed {
			return state.receipt, nil
		}
		return Receipt{}, fmt.Errorf("%w: lobby %d", ErrSubmissionInFlight, id)
	}
	s.processed[id] = submitState{inFlight: true, updatedAt: s.now()}
	s.mu.Unlock()

	attemptID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "settlement.submit", trace.WithAttributes(
		attribute.Int64("lobby.id", int64(id)),
		attribute.String("settlement.strategy", strategy),
		attribute.String("settlement.attempt_id", attemptID),
	))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := s.wait(ctx, attempt); err != nil {
				lastErr = err
				break
			}
		}
		s.metrics.RecordAttempt(strategy)
		receipt, err := s.delivery.Deliver(ctx, payout)
		if err == nil {
			receipt.LobbyID = id
			receipt.Strategy = strategy
			receipt.AttemptID = attemptID
			receipt.Attempts = attempt + 1
			s.mu.Lock()
			s.processed[id] = submitState{completed: true, receipt: receipt, updatedAt: s.now()}
			s.mu.Unlock()
			span.SetAttributes(attribute.Bool("settlement.already_finalized", receipt.AlreadyFinalized))
			return receipt, nil
		}
		lastErr = err
		s.metrics.RecordFailure(strategy, failureReason(err))
		s.logger.Warn("settlement attempt failed",
			slog.Uint64("lobby", id),
			slog.String("strategy", strategy),
			slog.String("attempt_id", attemptID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
		if ctx.Err() != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.processed, id)
	s.mu.Unlock()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "submission exhausted")
	return Receipt{}, fmt.Errorf("%w: lobby %d: %w", ErrSubmissionExhausted, id, lastErr)
}

func (s *Submitter) wait(ctx context.Context, attempt int) error {
	delay := s.backoffUnit * time.Duration(1<<uint(attempt))
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Forget drops the cached outcome of lobbyID once the lobby left memory.
func (s *Submitter) Forget(lobbyID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.processed[lobbyID]; ok && state.completed {
		delete(s.processed, lobbyID)
	}
}

// Pause halts new submissions. Attempts already running finish.
func (s *Submitter) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	s.metrics.SetPaused(true)
}

// Resume re-enables submissions.
func (s *Submitter) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	s.metrics.SetPaused(false)
}

// SubmitterStatus summarises submitter state for administrative endpoints.
type SubmitterStatus struct {
	Paused    bool   `json:"paused"`
	Strategy  string `json:"strategy"`
	Completed int    `json:"completed"`
	InFlight  int    `json:"in_flight"`
}

// Status reports the current submitter snapshot.
func (s *Submitter) Status() SubmitterStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SubmitterStatus{Paused: s.paused, Strategy: s.delivery.Strategy()}
	for _, state := range s.processed {
		switch {
		case state.completed:
			status.Completed++
		case state.inFlight:
			status.InFlight++
		}
	}
	return status
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, chain.ErrReverted):
		return "reverted"
	case errors.Is(err, chain.ErrReadOnly):
		return "read_only"
	default:
		return "send"
	}
}
