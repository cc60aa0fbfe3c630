package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mailsync/models"
	"mailsync/provider"
)

// Options tunes a single loop invocation.
type Options struct {
	PageSize       int
	ProgressEvery  int
	StopPollEvery  int
	InterPageDelay time.Duration
	FallbackTotal  int
}

// maxCursorRestarts bounds how often one invocation restarts pagination
// after the provider rejects a cursor mid-run.
const maxCursorRestarts = 2

func DefaultOptions() Options {
	return Options{
		PageSize:       200,
		ProgressEvery:  5,
		StopPollEvery:  3,
		InterPageDelay: 250 * time.Millisecond,
		FallbackTotal:  10000,
	}
}

// Outcome is how a loop invocation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	// OutcomeContinue means the budget ran out; the cursor was checkpointed.
	OutcomeContinue    Outcome = "continue"
	OutcomeStopped     Outcome = "stopped"
	OutcomeAccountGone Outcome = "account_gone"
	OutcomePaused      Outcome = "paused"
	OutcomeFailed      Outcome = "failed"
)

// Result describes one loop invocation.
type Result struct {
	Outcome  Outcome
	RunID    string
	Provider string
	Cursor   *string
	Pages    int
	Inserted int
	// SyncedCount is the account's cumulative synced_email_count at exit.
	SyncedCount       int
	ContinuationCount int
	Err               *SyncError
}

// Engine runs time-budgeted sync loops.
type Engine struct {
	store    Store
	registry *provider.Registry
	guard    *CircuitGuard
	retry    RetryPolicy
	writer   *RecordWriter
	clock    Clock
	opts     Options
}

func NewEngine(store Store, registry *provider.Registry, guard *CircuitGuard, retry RetryPolicy, writer *RecordWriter, clock Clock, opts Options) *Engine {
	if clock == nil {
		clock = RealClock()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.StopPollEvery <= 0 {
		opts.StopPollEvery = 1
	}
	return &Engine{
		store:    store,
		registry: registry,
		guard:    guard,
		retry:    retry,
		writer:   writer,
		clock:    clock,
		opts:     opts,
	}
}

// loopState is the mutable state of one invocation.
type loopState struct {
	account    *models.MailAccount
	fetcher    provider.Fetcher
	cursor     *string
	synced     int
	retryCount int
	restarts   int
	// seen holds every cursor handed out since pagination last started.
	seen    map[string]struct{}
	log     *logrus.Entry
	tracker *ProgressTracker
	result  *Result
}

// Run pages through the account's mailbox until pagination is exhausted, the
// deadline is reached, or a failure stops it. Persistence uses a context that
// survives cancellation of ctx so checkpoints land even on shutdown.
func (e *Engine) Run(ctx context.Context, accountID string, deadline time.Time) *Result {
	runID := uuid.NewString()
	res := &Result{RunID: runID}
	persistCtx := context.WithoutCancel(ctx)

	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return e.loadFailure(res, err)
	}
	res.ContinuationCount = account.ContinuationCount
	res.SyncedCount = account.SyncedEmailCount
	res.Cursor = account.SyncCursor

	fetcher, err := e.registry.For(account)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = Classify(err)
		return res
	}
	res.Provider = fetcher.Name()

	st := &loopState{
		account:    account,
		fetcher:    fetcher,
		cursor:     account.SyncCursor,
		synced:     account.SyncedEmailCount,
		retryCount: account.RetryCount,
		seen:       map[string]struct{}{},
		result:     res,
		log: logrus.WithFields(logrus.Fields{
			"account_id": accountID,
			"provider":   fetcher.Name(),
			"run_id":     runID,
		}),
		tracker: NewProgressTracker(e.store, e.clock, account, runID, e.opts.ProgressEvery, e.opts.FallbackTotal),
	}
	st.log.WithField("cursor", derefCursor(st.cursor)).Info("Sync loop started")

	if st.cursor != nil {
		if se := e.validateCursor(ctx, persistCtx, st); se != nil {
			return e.exit(persistCtx, st, OutcomePaused, se)
		}
	}
	if st.cursor != nil {
		st.seen[*st.cursor] = struct{}{}
	}

	for {
		if ctx.Err() != nil || !e.clock.Now().Before(deadline) {
			return e.exit(persistCtx, st, OutcomeContinue, nil)
		}

		if st.tracker.Pages() > 0 && st.tracker.Pages()%e.opts.StopPollEvery == 0 {
			if outcome, stop := e.stopRequested(ctx, st); stop {
				if outcome == OutcomeAccountGone {
					res.Outcome = OutcomeAccountGone
					return res
				}
				return e.exit(persistCtx, st, outcome, nil)
			}
		}

		page, se := e.fetchWithRetry(ctx, persistCtx, st, deadline)
		if se != nil {
			switch se.Kind {
			case kindDeadline:
				return e.exit(persistCtx, st, OutcomeContinue, nil)
			case KindCircuitOpen:
				return e.exit(persistCtx, st, OutcomePaused, se)
			case KindCursorInvalid:
				if st.cursor != nil && st.restarts < maxCursorRestarts {
					st.restarts++
					e.restartPagination(persistCtx, st, se)
					continue
				}
				return e.exit(persistCtx, st, OutcomeFailed, se)
			default:
				return e.exit(persistCtx, st, OutcomeFailed, se)
			}
		}

		for _, rec := range page.Records {
			inserted, err := e.writer.Write(persistCtx, st.account, rec)
			if err != nil {
				return e.exit(persistCtx, st, OutcomeFailed, &SyncError{Kind: KindTransientService, Err: err})
			}
			if inserted {
				st.synced++
				res.Inserted++
			}
		}

		if page.NextCursor == "" {
			return e.complete(persistCtx, st)
		}
		if _, dup := st.seen[page.NextCursor]; dup {
			err := fmt.Errorf("provider returned an already visited cursor %q", page.NextCursor)
			return e.exit(persistCtx, st, OutcomeFailed, &SyncError{Kind: KindPermanent, Err: err})
		}

		next := page.NextCursor
		st.seen[next] = struct{}{}
		st.cursor = &next
		if err := st.tracker.Page(persistCtx, st.cursor, st.synced); err != nil {
			if errors.Is(err, models.ErrAccountNotFound) {
				res.Outcome = OutcomeAccountGone
				return res
			}
			st.log.WithError(err).Warn("Failed to write heartbeat")
		}
		st.log.WithFields(logrus.Fields{
			"page":     st.tracker.Pages(),
			"records":  len(page.Records),
			"synced":   st.synced,
			"progress": st.tracker.Progress(),
		}).Debug("Page synced")

		if e.opts.InterPageDelay > 0 && e.clock.Now().Add(e.opts.InterPageDelay).Before(deadline) {
			_ = e.clock.Sleep(ctx, e.opts.InterPageDelay)
		}
	}
}

func (e *Engine) loadFailure(res *Result, err error) *Result {
	se := storeError(err)
	if se.Kind == KindAccountMissing {
		res.Outcome = OutcomeAccountGone
		return res
	}
	res.Outcome = OutcomeFailed
	res.Err = se
	return res
}

// validateCursor issues a single-record fetch with the persisted cursor. A
// rejected cursor is cleared so pagination restarts from the beginning;
// retryable failures leave it alone for the main loop to deal with.
func (e *Engine) validateCursor(ctx, persistCtx context.Context, st *loopState) *SyncError {
	release, err := e.guard.Acquire(st.fetcher.Name())
	if err != nil {
		return Classify(err)
	}
	_, ferr := st.fetcher.FetchPage(ctx, st.account, *st.cursor, 1)
	if ferr == nil {
		release(false)
		return nil
	}

	se := Classify(ferr)
	release(se.Kind == KindRateLimited)
	if se.Kind != KindCursorInvalid && !(se.Kind == KindPermanent && !se.Reauth) {
		return nil
	}

	e.restartPagination(persistCtx, st, ferr)
	return nil
}

// restartPagination drops a cursor the provider rejected. Records already
// stored are skipped on the second pass by the unique message key.
func (e *Engine) restartPagination(persistCtx context.Context, st *loopState, cause error) {
	reason := fmt.Sprintf("cursor rejected by provider, restarting from the beginning: %v", cause)
	st.log.WithField("cursor", derefCursor(st.cursor)).Warn(reason)
	st.cursor = nil
	st.seen = map[string]struct{}{}
	if err := e.store.UpdateAccount(persistCtx, st.account.ID, map[string]interface{}{
		models.ColSyncCursor: nil,
		models.ColLastError:  reason,
	}); err != nil {
		st.log.WithError(err).Warn("Failed to clear invalid cursor")
	}
}

// stopRequested re-reads the account for an operator stop or deletion.
func (e *Engine) stopRequested(ctx context.Context, st *loopState) (Outcome, bool) {
	fresh, err := e.store.GetAccount(ctx, st.account.ID)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			st.log.Info("Account deleted during sync")
			return OutcomeAccountGone, true
		}
		st.log.WithError(err).Warn("Stop check failed")
		return "", false
	}
	if fresh.SyncStopped {
		st.log.Info("Sync stopped by operator")
		return OutcomeStopped, true
	}
	st.account.SuppressWebhooks = fresh.SuppressWebhooks
	return "", false
}

func (e *Engine) fetchWithRetry(ctx, persistCtx context.Context, st *loopState, deadline time.Time) (*provider.Page, *SyncError) {
	cursor := derefCursor(st.cursor)
	attempt := 0
	for {
		release, err := e.guard.Acquire(st.fetcher.Name())
		if err != nil {
			return nil, Classify(err)
		}

		page, ferr := st.fetcher.FetchPage(ctx, st.account, cursor, e.opts.PageSize)
		if ferr == nil {
			release(false)
			if attempt > 0 || st.retryCount > 0 {
				st.retryCount = 0
				if err := e.store.UpdateAccount(persistCtx, st.account.ID, map[string]interface{}{
					models.ColRetryCount: 0,
					models.ColLastError:  nil,
				}); err != nil {
					st.log.WithError(err).Warn("Failed to reset retry state")
				}
			}
			return page, nil
		}

		if ctx.Err() != nil {
			release(false)
			return nil, &SyncError{Kind: kindDeadline, Err: ctx.Err()}
		}

		se := Classify(ferr)
		release(se.Kind == KindRateLimited)
		if !e.retry.Retryable(se.Kind) {
			return nil, se
		}

		attempt++
		if attempt > e.retry.MaxRetries {
			st.log.WithError(ferr).WithField("attempts", attempt).Error("Retries exhausted")
			return nil, se
		}

		delay := e.retry.Delay(se, attempt)
		now := e.clock.Now()
		st.retryCount = attempt
		if err := e.store.UpdateAccount(persistCtx, st.account.ID, map[string]interface{}{
			models.ColRetryCount:  attempt,
			models.ColLastRetryAt: now,
			models.ColLastError:   se.Error(),
		}); err != nil {
			st.log.WithError(err).Warn("Failed to record retry")
		}

		if now.Add(delay).After(deadline) {
			st.log.WithField("delay", delay.String()).Info("Backoff exceeds remaining budget, handing off")
			return nil, &SyncError{Kind: kindDeadline, Err: se}
		}

		st.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"kind":    se.Kind,
			"delay":   delay.String(),
		}).Warn("Page fetch failed, retrying")

		if err := e.clock.Sleep(ctx, delay); err != nil {
			return nil, &SyncError{Kind: kindDeadline, Err: err}
		}
	}
}

func (e *Engine) complete(persistCtx context.Context, st *loopState) *Result {
	// The stored rows are the floor for the synced count; an earlier run may
	// have inserted messages without getting to checkpoint them.
	if stored, err := e.store.CountEmails(persistCtx, st.account.ID); err != nil {
		st.log.WithError(err).Warn("Failed to count stored messages")
	} else if int(stored) > st.synced {
		st.log.WithFields(logrus.Fields{
			"synced": st.synced,
			"stored": stored,
		}).Info("Reconciled synced count with stored messages")
		st.synced = int(stored)
	}

	now := e.clock.Now()
	total := st.tracker.Total(st.synced)

	fields := map[string]interface{}{
		models.ColSyncStatus:           models.SyncStatusCompleted,
		models.ColSyncProgress:         100,
		models.ColSyncCursor:           nil,
		models.ColSyncedEmailCount:     st.synced,
		models.ColTotalEmailCount:      total,
		models.ColLastSyncedAt:         now,
		models.ColLastActivityAt:       now,
		models.ColInitialSyncCompleted: true,
		models.ColSuppressWebhooks:     false,
		models.ColRetryCount:           0,
		models.ColLastError:            nil,
		models.ColNextRetryAt:          nil,
	}
	res := st.result
	if err := e.store.UpdateAccount(persistCtx, st.account.ID, fields); err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			res.Outcome = OutcomeAccountGone
			return res
		}
		res.Outcome = OutcomeFailed
		res.Err = &SyncError{Kind: KindTransientService, Err: fmt.Errorf("failed to record completion: %w", err)}
		return res
	}

	res.Outcome = OutcomeCompleted
	res.Cursor = nil
	res.Pages = st.tracker.Pages() + 1
	res.SyncedCount = st.synced
	st.log.WithFields(logrus.Fields{
		"synced":   st.synced,
		"inserted": res.Inserted,
		"pages":    res.Pages,
	}).Info("Sync completed")
	return res
}

// exit checkpoints cursor and counters and returns the given outcome.
func (e *Engine) exit(persistCtx context.Context, st *loopState, outcome Outcome, se *SyncError) *Result {
	res := st.result
	res.Outcome = outcome
	res.Err = se
	res.Cursor = st.cursor
	res.Pages = st.tracker.Pages()
	res.SyncedCount = st.synced

	if err := st.tracker.Flush(persistCtx, st.cursor, st.synced); err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			res.Outcome = OutcomeAccountGone
			res.Err = nil
			return res
		}
		st.log.WithError(err).Warn("Failed to checkpoint sync state")
	}

	entry := st.log.WithFields(logrus.Fields{
		"outcome": outcome,
		"pages":   res.Pages,
		"synced":  st.synced,
		"cursor":  derefCursor(st.cursor),
	})
	if se != nil {
		entry = entry.WithError(se)
	}
	entry.Info("Sync loop exited")
	return res
}

func derefCursor(c *string) string {
	if c == nil {
		return ""
	}
	return *c
}
