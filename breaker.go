package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type FailureRecord struct {
	Token      string
	Attempts   int
	LastError  string
	ObservedAt time.Time
}

type CircuitBreakerState struct {
	IsOpen              bool
	OpenedAt            *time.Time
	ConsecutiveFailures int
}

// FailureRecorder tracks failed API calls per since-token and guards callers with a circuit breaker.
// State is process local and owned by the worker it is injected into.
type FailureRecorder struct {
	mu                  sync.Mutex
	clock               clockwork.Clock
	conf                BreakerConfig
	logger              *slog.Logger
	failures            map[string]*FailureRecord
	consecutiveFailures int
	isOpen              bool
	openedAt            time.Time
}

func NewFailureRecorder(clock clockwork.Clock, conf BreakerConfig, logger *slog.Logger) *FailureRecorder {
	if conf.MaxFailureRecords <= 0 {
		conf.MaxFailureRecords = defaultFailureRecords
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &FailureRecorder{
		clock:    clock,
		conf:     conf,
		logger:   logger,
		failures: make(map[string]*FailureRecord),
	}
}

// RecordFailedToken stores the failure and counts it towards the breaker. When the failure opens
// the breaker the caller is blocked for the breaker timeout before returning.
func (f *FailureRecorder) RecordFailedToken(ctx context.Context, token string, cause error) error {
	opened := f.recordFailure(token, cause)
	if !opened {
		return nil
	}

	f.logger.Warn("circuit breaker opened",
		"token", token,
		"consecutive_failures", f.State().ConsecutiveFailures,
		"timeout", f.conf.Timeout,
	)
	return sleepContext(ctx, f.clock, f.conf.Timeout)
}

func (f *FailureRecorder) recordFailure(token string, cause error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	record, ok := f.failures[token]
	if !ok {
		if len(f.failures) >= f.conf.MaxFailureRecords {
			f.evictOldestLocked()
		}
		record = &FailureRecord{Token: token}
		f.failures[token] = record
	}
	record.Attempts++
	record.LastError = msg
	record.ObservedAt = now

	f.consecutiveFailures++
	if !f.isOpen && f.consecutiveFailures >= f.conf.MaxConsecutiveFailures {
		f.isOpen = true
		f.openedAt = now
		return true
	}

	return false
}

// CheckCircuitBreaker lets the caller proceed. While the breaker is open it first sleeps out the
// remaining cooldown and closes the breaker. It only returns false when ctx ends while waiting.
func (f *FailureRecorder) CheckCircuitBreaker(ctx context.Context) (bool, error) {
	f.mu.Lock()
	if !f.isOpen {
		f.mu.Unlock()
		return true, nil
	}
	remaining := f.conf.Timeout - f.clock.Since(f.openedAt)
	f.mu.Unlock()

	if remaining > 0 {
		f.logger.Info("circuit breaker open, waiting for cooldown", "remaining", remaining)
		if err := sleepContext(ctx, f.clock, remaining); err != nil {
			return false, err
		}
	}

	f.mu.Lock()
	f.closeLocked()
	f.mu.Unlock()

	return true, nil
}

// RecordSuccess resets the failure count and closes the breaker.
func (f *FailureRecorder) RecordSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeLocked()
}

func (f *FailureRecorder) closeLocked() {
	if f.isOpen {
		f.logger.Info("circuit breaker closed")
	}
	f.isOpen = false
	f.openedAt = time.Time{}
	f.consecutiveFailures = 0
}

// GenerateNextToken derives the token to continue from when the API gave no usable one.
// NEW stays NEW. Unparsable tokens and tokens older than TokenMaxAge become NEW, since the API
// rejects tokens after 7 days. Anything else moves forward by exactly one second.
func (f *FailureRecorder) GenerateNextToken(currentToken string) string {
	if currentToken == NewToken {
		return NewToken
	}

	parsed, err := ParseSinceToken(currentToken)
	if err != nil {
		f.logger.Warn("unparsable since token, resetting", "token", currentToken, "error", err)
		return NewToken
	}
	if parsed.Age(f.clock.Now()) > f.conf.TokenMaxAge {
		f.logger.Warn("since token close to expiry, resetting", "token", currentToken)
		return NewToken
	}

	return parsed.Add(time.Second).String()
}

// WaitWithBackoff sleeps min(RetryBaseDelay * 2^(attempt-1), RetryMaxDelay) before retrying a request.
func (f *FailureRecorder) WaitWithBackoff(ctx context.Context, attemptNumber int) error {
	return sleepContext(ctx, f.clock, f.BackoffDelay(attemptNumber))
}

func (f *FailureRecorder) BackoffDelay(attemptNumber int) time.Duration {
	delay := f.conf.RetryBaseDelay
	for i := 1; i < attemptNumber; i++ {
		delay *= 2
		if delay >= f.conf.RetryMaxDelay {
			return f.conf.RetryMaxDelay
		}
	}
	return min(delay, f.conf.RetryMaxDelay)
}

func (f *FailureRecorder) State() CircuitBreakerState {
	f.mu.Lock()
	defer f.mu.Unlock()

	state := CircuitBreakerState{
		IsOpen:              f.isOpen,
		ConsecutiveFailures: f.consecutiveFailures,
	}
	if f.isOpen {
		openedAt := f.openedAt
		state.OpenedAt = &openedAt
	}
	return state
}

// FailedTokens returns a snapshot of the failure table, most recent first.
func (f *FailureRecorder) FailedTokens() []FailureRecord {
	f.mu.Lock()
	defer f.mu.Unlock()

	records := make([]FailureRecord, 0, len(f.failures))
	for _, r := range f.failures {
		records = append(records, *r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ObservedAt.After(records[j].ObservedAt)
	})
	return records
}

func (f *FailureRecorder) ClearFailedTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]*FailureRecord)
}

// EvictExpired drops failure records older than FailureTTL and returns how many were removed.
func (f *FailureRecorder) EvictExpired() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conf.FailureTTL <= 0 {
		return 0
	}

	evicted := 0
	now := f.clock.Now()
	for token, r := range f.failures {
		if now.Sub(r.ObservedAt) > f.conf.FailureTTL {
			delete(f.failures, token)
			evicted++
		}
	}
	return evicted
}

func (f *FailureRecorder) evictOldestLocked() {
	var oldest *FailureRecord
	for _, r := range f.failures {
		if oldest == nil || r.ObservedAt.Before(oldest.ObservedAt) {
			oldest = r
		}
	}
	if oldest != nil {
		delete(f.failures, oldest.Token)
	}
}
