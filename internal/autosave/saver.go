package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/metrics"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 3
	defaultRetryMin    = 200 * time.Millisecond
	defaultRetryMax    = 5 * time.Second
)

var (
	errMissingStore = errors.New("autosave: block store is required")
	noOpLogger      = zap.NewNop()
)

// Store is the slice of the remote store a save cycle needs.
type Store interface {
	GetPage(ctx context.Context, pageID pages.PageID) (pages.Page, error)
	ListBlocks(ctx context.Context, pageID pages.PageID) (blocks.Mapping, error)
	CommitBatch(ctx context.Context, pageID pages.PageID, operations []blocks.Operation) error
}

// SaverConfig wires a Saver.
type SaverConfig struct {
	Store       Store
	Logger      *zap.Logger
	Metrics     *metrics.Collectors
	MaxAttempts int
	RetryMin    time.Duration
	RetryMax    time.Duration
}

// Result describes a finished save cycle.
type Result struct {
	PageID     pages.PageID
	Operations []blocks.Operation
	Counts     blocks.OperationCounts
	Attempts   int
}

// Committed reports whether the cycle wrote anything.
func (result Result) Committed() bool {
	return len(result.Operations) > 0
}

// Saver runs save cycles: fetch the remote mapping, reconcile, commit atomically.
// Cycles for the same page are serialized so each one reconciles against the
// state left by the previous commit.
type Saver struct {
	store       Store
	logger      *zap.Logger
	metrics     *metrics.Collectors
	maxAttempts int
	retryMin    time.Duration
	retryMax    time.Duration
	locks       pageLocks
}

func NewSaver(cfg SaverConfig) (*Saver, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryMin := cfg.RetryMin
	if retryMin <= 0 {
		retryMin = defaultRetryMin
	}
	retryMax := cfg.RetryMax
	if retryMax <= 0 {
		retryMax = defaultRetryMax
	}
	if retryMax < retryMin {
		retryMax = retryMin
	}
	return &Saver{
		store:       cfg.Store,
		logger:      logger,
		metrics:     cfg.Metrics,
		maxAttempts: maxAttempts,
		retryMin:    retryMin,
		retryMax:    retryMax,
		locks:       pageLocks{entries: make(map[pages.PageID]*pageLock)},
	}, nil
}

// Snapshot yields the mapping a cycle should persist. It is called once the cycle
// holds the page lock; ok=false skips the cycle.
type Snapshot func() (mapping blocks.Mapping, ok bool)

// Save persists local as the page's complete block mapping. Zero operations means nothing is written.
// A page deleted underneath the cycle yields an error wrapping pages.ErrPageNotFound and is not retried.
func (s *Saver) Save(ctx context.Context, pageID pages.PageID, local blocks.Mapping) (Result, error) {
	snapshot := local.Clone()
	return s.SaveSnapshot(ctx, pageID, func() (blocks.Mapping, bool) { return snapshot, true })
}

// SaveSnapshot is Save with the mapping read after the page lock is taken, so cycles
// queued behind a slow one persist the newest state rather than the state at queue time.
// A skipped cycle returns a Result with zero Attempts.
func (s *Saver) SaveSnapshot(ctx context.Context, pageID pages.PageID, read Snapshot) (Result, error) {
	unlock := s.locks.lock(pageID)
	defer unlock()

	result := Result{PageID: pageID}
	local, ok := read()
	if !ok {
		return result, nil
	}
	snapshot := local.Clone()
	started := time.Now()
	retry := &backoff.Backoff{Min: s.retryMin, Max: s.retryMax, Factor: 2, Jitter: true}

	for {
		result.Attempts++
		operations, err := s.attempt(ctx, pageID, snapshot)
		if err == nil {
			result.Operations = operations
			result.Counts = blocks.CountOperations(operations)
			outcome := metrics.OutcomeNoop
			if result.Committed() {
				outcome = metrics.OutcomeCommitted
			}
			s.metrics.ObserveSave(outcome, time.Since(started), result.Counts.Creates, result.Counts.Updates, result.Counts.Deletes)
			return result, nil
		}

		if errors.Is(err, pages.ErrPageNotFound) {
			s.metrics.ObserveSave(metrics.OutcomeNotFound, time.Since(started), 0, 0, 0)
			s.logger.Warn("save target no longer exists",
				zap.String("page_id", pageID.String()),
				zap.Error(err))
			return result, fmt.Errorf("autosave: save page %s: %w", pageID, err)
		}

		if permanent(err) {
			s.metrics.ObserveSave(metrics.OutcomeFailed, time.Since(started), 0, 0, 0)
			s.logger.Error("save cycle rejected",
				zap.String("page_id", pageID.String()),
				zap.Error(err))
			return result, fmt.Errorf("autosave: save page %s: %w", pageID, err)
		}

		if result.Attempts >= s.maxAttempts || ctx.Err() != nil {
			s.metrics.ObserveSave(metrics.OutcomeFailed, time.Since(started), 0, 0, 0)
			s.logger.Error("save cycle failed",
				zap.String("page_id", pageID.String()),
				zap.Int("attempts", result.Attempts),
				zap.Error(err))
			return result, fmt.Errorf("autosave: save page %s after %d attempts: %w", pageID, result.Attempts, err)
		}

		wait := retry.Duration()
		s.metrics.ObserveRetry()
		s.logger.Warn("retrying save cycle",
			zap.String("page_id", pageID.String()),
			zap.Int("attempt", result.Attempts),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.metrics.ObserveSave(metrics.OutcomeFailed, time.Since(started), 0, 0, 0)
			return result, fmt.Errorf("autosave: save page %s: %w", pageID, ctx.Err())
		case <-timer.C:
		}
	}
}

func (s *Saver) attempt(ctx context.Context, pageID pages.PageID, local blocks.Mapping) ([]blocks.Operation, error) {
	if _, err := s.store.GetPage(ctx, pageID); err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	remote, err := s.store.ListBlocks(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote blocks: %w", err)
	}
	operations := blocks.Reconcile(remote, local)
	if len(operations) == 0 {
		return nil, nil
	}
	if err := s.store.CommitBatch(ctx, pageID, operations); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return operations, nil
}

// permanent reports failures that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, pages.ErrInvalidOperation) || errors.Is(err, pages.ErrInvalidPageID)
}

type pageLock struct {
	mu   sync.Mutex
	refs int
}

type pageLocks struct {
	mu      sync.Mutex
	entries map[pages.PageID]*pageLock
}

func (l *pageLocks) lock(pageID pages.PageID) func() {
	l.mu.Lock()
	entry, ok := l.entries[pageID]
	if !ok {
		entry = &pageLock{}
		l.entries[pageID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, pageID)
		}
		l.mu.Unlock()
	}
}
