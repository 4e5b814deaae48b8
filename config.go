package ingest

import (
	"crypto/tls"
	"log/slog"
	"time"
)

const (
	QueueMasterDataSync    = "master-data-sync"
	QueueEventIngestion    = "event-ingestion"
	QueueHistoricalLoad    = "historical-data-load"
	DefaultProcessName     = "event_ingestion"
	eventIngestionJobID    = "event-ingestion"
	masterDataSyncJobName  = "sync-master-data"
	eventIngestionJobName  = "ingest-events"
	historicalLoadJobName  = "load-historical-range"
	defaultRunHistorySize  = 50
	defaultFailureRecords  = 1000
	defaultMaxBackfillSpan = 90 * 24 * time.Hour
	// Upper bound on one backfill hour once its fetch has started.
	backfillHourTimeout = 5 * time.Minute
)

type PacingConfig struct {
	// Minimum spacing between calls while the API reports more items.
	HasMoreDelay time.Duration

	// Minimum spacing once the API reports it is drained.
	DrainedDelay time.Duration

	// Base and cap of the exponential wait after a failed call.
	ErrorBaseDelay time.Duration
	ErrorMaxDelay  time.Duration
}

type BreakerConfig struct {
	// Consecutive failures that open the breaker.
	MaxConsecutiveFailures int

	// How long the breaker stays open.
	Timeout time.Duration

	// Base and cap of WaitWithBackoff for retrying a single request.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Bounds of the in-process failure table.
	MaxFailureRecords int
	FailureTTL        time.Duration

	// Tokens older than this are replaced by NEW. The API expires tokens after 7 days.
	TokenMaxAge time.Duration
}

type Config struct {
	//////////////////////
	// QUEUE SECTION //
	//////////////////////

	// Interval rate for polling queue jobs.
	PollInterval time.Duration

	// Interval rate for requeueing hanging/stalled queue jobs.
	StalledInterval time.Duration

	// Times a job may stall before it is failed instead of requeued.
	MaxStalledCount int

	// Lock duration of claimed jobs, renewed at half its length while the job runs.
	LockDuration time.Duration

	// Lock duration of backfill jobs. Backfills are slow, a long lock tolerates slow hours.
	BackfillLockDuration time.Duration

	// How long shutdown waits for in-flight jobs before giving up on them.
	ShutdownGracePeriod time.Duration

	// Finished queue jobs older than this are deleted by the clean up job.
	QueueRetention time.Duration

	// Attempts and first retry delay for the event ingestion queue.
	IngestionAttempts     int
	IngestionRetryBackoff time.Duration

	//////////////////////
	// SCHEDULE SECTION //
	//////////////////////

	MasterDataSyncSchedule string
	IngestionSchedule      string
	QueueCleanUpSchedule   string

	///////////////////////
	// INGESTION SECTION //
	///////////////////////

	// Cursor row owned by the continuous ingestion loop.
	ProcessName string

	// Rows per bulk insert statement.
	InsertChunkSize int

	// Fetch attempts per page before the run ends without advancing the cursor.
	FetchAttempts int

	// Completed runs kept for status reporting.
	RunHistorySize int

	// Longest range a single backfill may cover.
	MaxBackfillSpan time.Duration

	Pacing  PacingConfig
	Breaker BreakerConfig

	/////////////////////
	// GENERAL SECTION //
	/////////////////////

	DSN string

	TLSConfig *tls.Config

	// Logs every SQL query.
	DebugSQL bool

	Logger *slog.Logger
}

type ConfigFunc func(c *Config)

func NewConfig(opts ...ConfigFunc) *Config {
	c := &Config{
		PollInterval:           time.Duration(1) * time.Second,
		StalledInterval:        time.Duration(60) * time.Second,
		MaxStalledCount:        2,
		LockDuration:           time.Duration(30) * time.Minute,
		BackfillLockDuration:   time.Duration(4) * time.Hour,
		ShutdownGracePeriod:    time.Duration(10) * time.Second,
		QueueRetention:         time.Duration(7*24) * time.Hour,
		IngestionAttempts:      3,
		IngestionRetryBackoff:  time.Duration(30) * time.Second,
		MasterDataSyncSchedule: "0 2 * * *",
		IngestionSchedule:      "* * * * *",
		QueueCleanUpSchedule:   "5 */7 * * *",
		ProcessName:            DefaultProcessName,
		InsertChunkSize:        200,
		FetchAttempts:          3,
		RunHistorySize:         defaultRunHistorySize,
		MaxBackfillSpan:        defaultMaxBackfillSpan,
		Pacing: PacingConfig{
			HasMoreDelay:   time.Duration(3) * time.Second,
			DrainedDelay:   time.Duration(30) * time.Second,
			ErrorBaseDelay: time.Duration(1) * time.Second,
			ErrorMaxDelay:  time.Duration(60) * time.Second,
		},
		Breaker: BreakerConfig{
			MaxConsecutiveFailures: 5,
			Timeout:                time.Duration(120) * time.Second,
			RetryBaseDelay:         time.Duration(1) * time.Second,
			RetryMaxDelay:          time.Duration(30) * time.Second,
			MaxFailureRecords:      defaultFailureRecords,
			FailureTTL:             time.Duration(24) * time.Hour,
			TokenMaxAge:            time.Duration(6*24) * time.Hour,
		},
		Logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func WithJobPollInterval(interval time.Duration) ConfigFunc {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

func WithJobStallPollInterval(interval time.Duration) ConfigFunc {
	return func(c *Config) {
		c.StalledInterval = interval
	}
}

func WithMaxStalledCount(count int) ConfigFunc {
	return func(c *Config) {
		c.MaxStalledCount = count
	}
}

func WithLockDuration(lock, backfillLock time.Duration) ConfigFunc {
	return func(c *Config) {
		c.LockDuration = lock
		c.BackfillLockDuration = backfillLock
	}
}

func WithShutdownGracePeriod(period time.Duration) ConfigFunc {
	return func(c *Config) {
		c.ShutdownGracePeriod = period
	}
}

func WithQueueRetention(retention time.Duration) ConfigFunc {
	return func(c *Config) {
		c.QueueRetention = retention
	}
}

func WithSchedules(masterDataSync, ingestion, cleanUp string) ConfigFunc {
	return func(c *Config) {
		c.MasterDataSyncSchedule = masterDataSync
		c.IngestionSchedule = ingestion
		c.QueueCleanUpSchedule = cleanUp
	}
}

func WithProcessName(name string) ConfigFunc {
	return func(c *Config) {
		c.ProcessName = name
	}
}

func WithInsertChunkSize(size int) ConfigFunc {
	return func(c *Config) {
		c.InsertChunkSize = size
	}
}

func WithFetchAttempts(attempts int) ConfigFunc {
	return func(c *Config) {
		c.FetchAttempts = attempts
	}
}

func WithPacing(pacing PacingConfig) ConfigFunc {
	return func(c *Config) {
		c.Pacing = pacing
	}
}

func WithBreaker(breaker BreakerConfig) ConfigFunc {
	return func(c *Config) {
		c.Breaker = breaker
	}
}

func WithDSN(dsn string) ConfigFunc {
	return func(c *Config) {
		c.DSN = dsn
	}
}

func WithTLSConfig(tlsConfig *tls.Config) ConfigFunc {
	return func(c *Config) {
		c.TLSConfig = tlsConfig
	}
}

func WithDebugSQL(debug bool) ConfigFunc {
	return func(c *Config) {
		c.DebugSQL = debug
	}
}

func WithLogger(logger *slog.Logger) ConfigFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
