package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/TimKotowski/pg-telemetry-ingest/internal/telemetrydb"
	"github.com/TimKotowski/pg-telemetry-ingest/telematics"
)

var errFetchExhausted = errors.New("fetch attempts exhausted")

// RunStats describes one ingestion run.
type RunStats struct {
	StartedAt      time.Time
	FinishedAt     time.Time
	StartToken     string
	FinalToken     string
	Pages          int
	EventsFetched  int
	EventsInserted int
	Duplicates     int
	// Aborted is set when the API could not be reached and the run ended without moving the cursor.
	Aborted bool
	Error   string
}

type IngestionStatus struct {
	ProcessName         string
	Token               string
	LastRunAt           *time.Time
	Running             bool
	Breaker             CircuitBreakerState
	Failures            []FailureRecord
	ConsecutivePaceErrs int
	TotalRuns           int64
	TotalEventsInserted int64
	RecentRuns          []RunStats
}

// IngestionLoop drains the API event stream into storage, resuming from the persisted cursor.
// The cursor only moves after the page it points past has been stored.
type IngestionLoop struct {
	conf     *Config
	client   telematics.Client
	cursors  telemetrydb.CursorStore
	writer   eventWriter
	governor *PacingGovernor
	breaker  *FailureRecorder
	clock    clockwork.Clock
	logger   *slog.Logger

	running atomic.Bool

	// Outcome of the previous API call, fed to the governor before the next one.
	lastHasMore bool
	lastErr     bool

	mu            sync.Mutex
	history       []RunStats
	totalRuns     int64
	totalInserted int64
}

func NewIngestionLoop(
	conf *Config,
	client telematics.Client,
	cursors telemetrydb.CursorStore,
	events telemetrydb.EventStore,
	governor *PacingGovernor,
	breaker *FailureRecorder,
	clock clockwork.Clock,
) *IngestionLoop {
	return &IngestionLoop{
		conf:     conf,
		client:   client,
		cursors:  cursors,
		writer:   eventWriter{events: events, chunkSize: conf.InsertChunkSize},
		governor: governor,
		breaker:  breaker,
		clock:    clock,
		logger:   conf.logger().With("component", "ingestion", "process", conf.ProcessName),
	}
}

// Run performs one ingestion run, looping over pages until the API reports it is drained.
// An unreachable API ends the run without error; storage errors are returned.
func (l *IngestionLoop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Warn("ingestion run already in progress, skipping")
		return nil
	}
	defer l.running.Store(false)

	stats := RunStats{StartedAt: l.clock.Now()}
	err := l.run(ctx, &stats)
	stats.FinishedAt = l.clock.Now()
	if err != nil {
		stats.Error = err.Error()
	}
	l.record(stats)

	l.logger.Info("ingestion run finished",
		"pages", stats.Pages,
		"events_fetched", stats.EventsFetched,
		"events_inserted", stats.EventsInserted,
		"duplicates", stats.Duplicates,
		"token", stats.FinalToken,
		"aborted", stats.Aborted,
		"duration", stats.FinishedAt.Sub(stats.StartedAt),
	)

	return err
}

func (l *IngestionLoop) run(ctx context.Context, stats *RunStats) error {
	token, err := l.loadToken(ctx)
	if err != nil {
		return err
	}
	stats.StartToken = token
	stats.FinalToken = token

	for {
		page, err := l.fetchPage(ctx, token)
		if errors.Is(err, errFetchExhausted) {
			l.logger.Error("fetching events failed, ending run without advancing cursor", "token", token, "error", err)
			stats.Aborted = true
			return nil
		}
		if err != nil {
			return err
		}
		stats.Pages++

		res, err := l.writer.persist(ctx, page.Events)
		if err != nil {
			return err
		}
		stats.EventsFetched += res.Fetched
		stats.EventsInserted += res.Inserted
		stats.Duplicates += res.Duplicates

		next := l.nextToken(token, page)
		if err := l.cursors.SaveCursor(ctx, l.conf.ProcessName, next, l.clock.Now()); err != nil {
			return fmt.Errorf("saving cursor %s: %w", next, err)
		}
		l.logger.Debug("page stored",
			"token", token,
			"next_token", next,
			"events_fetched", res.Fetched,
			"events_inserted", res.Inserted,
			"has_more", page.HasMoreItems,
		)
		token = next
		stats.FinalToken = token

		if !page.HasMoreItems {
			return nil
		}
	}
}

// loadToken reads the cursor, replacing tokens the API would reject with NEW.
func (l *IngestionLoop) loadToken(ctx context.Context) (string, error) {
	cursor, err := l.cursors.GetCursor(ctx, l.conf.ProcessName)
	if err != nil {
		return "", fmt.Errorf("loading cursor: %w", err)
	}
	if cursor == nil {
		return NewToken, nil
	}

	now := l.clock.Now()
	if TokenExpired(cursor.Token, now, l.conf.Breaker.TokenMaxAge) {
		l.logger.Warn("stored since token expired or invalid, resetting to NEW", "token", cursor.Token)
		if err := l.cursors.SaveCursor(ctx, l.conf.ProcessName, NewToken, now); err != nil {
			return "", fmt.Errorf("resetting cursor: %w", err)
		}
		return NewToken, nil
	}

	return cursor.Token, nil
}

// nextToken picks the token to persist after a page. A missing token, or the same token while the
// API still reports more items, would leave the cursor stuck, so one is derived instead.
func (l *IngestionLoop) nextToken(current string, page *telematics.EventPage) string {
	next := page.NextSinceToken
	switch {
	case next == "" && !page.HasMoreItems:
		return current
	case next == "", next == current && page.HasMoreItems:
		derived := l.breaker.GenerateNextToken(current)
		l.logger.Warn("api returned no usable next token, deriving one", "token", current, "derived", derived)
		return derived
	}
	return next
}

func (l *IngestionLoop) fetchPage(ctx context.Context, token string) (*telematics.EventPage, error) {
	attempts := max(l.conf.FetchAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if _, err := l.breaker.CheckCircuitBreaker(ctx); err != nil {
			return nil, err
		}
		if err := l.governor.WaitBeforeNext(ctx, l.lastHasMore, l.lastErr); err != nil {
			return nil, err
		}

		page, err := l.client.FetchEvents(ctx, token)
		if err == nil && page == nil {
			err = errors.New("empty response from telematics api")
		}
		if err == nil {
			l.lastHasMore, l.lastErr = page.HasMoreItems, false
			l.breaker.RecordSuccess()
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		l.lastErr = true
		lastErr = err
		l.logger.Warn("fetching events failed", "token", token, "attempt", attempt, "error", err)

		if err := l.breaker.RecordFailedToken(ctx, token, err); err != nil {
			return nil, err
		}
		if attempt < attempts {
			if err := l.breaker.WaitWithBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", errFetchExhausted, attempts, lastErr)
}

func (l *IngestionLoop) record(stats RunStats) {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.conf.RunHistorySize
	if size <= 0 {
		size = defaultRunHistorySize
	}
	l.history = append(l.history, stats)
	if len(l.history) > size {
		l.history = l.history[len(l.history)-size:]
	}
	l.totalRuns++
	l.totalInserted += int64(stats.EventsInserted)
}

// History returns completed runs, most recent first.
func (l *IngestionLoop) History() []RunStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]RunStats, len(l.history))
	for i, s := range l.history {
		out[len(l.history)-1-i] = s
	}
	return out
}

// Status reports the cursor, breaker and recent runs of the loop.
func (l *IngestionLoop) Status(ctx context.Context) (*IngestionStatus, error) {
	cursor, err := l.cursors.GetCursor(ctx, l.conf.ProcessName)
	if err != nil {
		return nil, err
	}

	status := &IngestionStatus{
		ProcessName:         l.conf.ProcessName,
		Token:               NewToken,
		Running:             l.running.Load(),
		Breaker:             l.breaker.State(),
		Failures:            l.breaker.FailedTokens(),
		ConsecutivePaceErrs: l.governor.ConsecutiveErrors(),
		RecentRuns:          l.History(),
	}
	if cursor != nil {
		status.Token = cursor.Token
		lastRunAt := cursor.LastRunAt
		status.LastRunAt = &lastRunAt
	}

	l.mu.Lock()
	status.TotalRuns = l.totalRuns
	status.TotalEventsInserted = l.totalInserted
	l.mu.Unlock()

	return status, nil
}
