package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mailsync/models"
	"mailsync/provider"
	"mailsync/utils"
)

// ServiceConfig carries the invocation limits of the service.
type ServiceConfig struct {
	// ExecutionLimit is the hard ceiling of one invocation.
	ExecutionLimit time.Duration
	// Budget is the soft deadline the loop hands off at.
	Budget           time.Duration
	StuckAfter       time.Duration
	MaxContinuations int
	FallbackTotal    int
	ResumeBatch      int
}

const msgInProgress = "Sync already in progress"

// StartResult is returned by StartOrContinueSync.
type StartResult struct {
	Success  bool              `json:"success"`
	Message  string            `json:"message"`
	Progress int               `json:"progress"`
	Queued   bool              `json:"queued,omitempty"`
	Status   models.SyncStatus `json:"status"`
}

// Handled reports whether the request was dealt with, including when the
// account was stopped or paused instead of launched.
func (r *StartResult) Handled() bool {
	return r.Success || r.Status == models.SyncStatusPaused || r.Status == models.SyncStatusIdle
}

// StatusView is the read model of an account's sync state.
type StatusView struct {
	AccountID            string            `json:"accountId"`
	SyncStatus           models.SyncStatus `json:"syncStatus"`
	Progress             int               `json:"progress"`
	TotalEmailCount      int               `json:"totalEmailCount"`
	SyncedEmailCount     int               `json:"syncedEmailCount"`
	LastSyncedAt         *time.Time        `json:"lastSyncedAt"`
	InitialSyncCompleted bool              `json:"initialSyncCompleted"`
	LastError            *string           `json:"lastError"`
	NextRetryAt          *time.Time        `json:"nextRetryAt,omitempty"`
}

// Service owns the entry points and the lifecycle around each loop
// invocation: stuck detection, guard and admission gating, outcome
// persistence and continuation handoff.
type Service struct {
	store     Store
	engine    *Engine
	registry  *provider.Registry
	admission *AdmissionQueue
	guard     *CircuitGuard
	trigger   *ContinuationTrigger
	clock     Clock
	cfg       ServiceConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService wires the service. A nil dispatcher runs continuations in
// process.
func NewService(store Store, engine *Engine, registry *provider.Registry, admission *AdmissionQueue, guard *CircuitGuard, dispatcher Dispatcher, clock Clock, cfg ServiceConfig) *Service {
	if clock == nil {
		clock = RealClock()
	}
	if cfg.ResumeBatch <= 0 {
		cfg.ResumeBatch = 50
	}
	if cfg.Budget <= 0 || (cfg.ExecutionLimit > 0 && cfg.Budget > cfg.ExecutionLimit) {
		cfg.Budget = cfg.ExecutionLimit
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		store:     store,
		engine:    engine,
		registry:  registry,
		admission: admission,
		guard:     guard,
		clock:     clock,
		cfg:       cfg,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	if dispatcher == nil {
		dispatcher = s.LocalDispatcher()
	}
	s.trigger = NewContinuationTrigger(dispatcher, store, clock)
	return s
}

// LocalDispatcher continues syncs inside this process.
func (s *Service) LocalDispatcher() Dispatcher {
	return DispatchFunc(func(ctx context.Context, accountID string) error {
		res, err := s.StartOrContinueSync(ctx, accountID, true)
		if err != nil {
			return err
		}
		if !res.Handled() {
			return errors.New(res.Message)
		}
		return nil
	})
}

// StartOrContinueSync admits and launches a loop invocation for the account.
// It returns as soon as the loop is scheduled. Calling it while a live sync
// is running returns the current progress and does nothing else.
func (s *Service) StartOrContinueSync(ctx context.Context, accountID string, continuation bool) (*StartResult, error) {
	log := logrus.WithFields(logrus.Fields{
		"account_id":   accountID,
		"continuation": continuation,
	})

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, storeError(err)
	}
	now := s.clock.Now()

	if account.SyncStatus.InProgress() {
		if s.stuck(account, now) {
			log.WithFields(logrus.Fields{
				"status":           account.SyncStatus,
				"last_activity_at": account.LastActivityAt,
			}).Warn("Resetting abandoned sync")
			if err := s.store.UpdateAccount(ctx, accountID, map[string]interface{}{
				models.ColSyncStatus: models.SyncStatusIdle,
			}); err != nil {
				return nil, storeError(err)
			}
			account.SyncStatus = models.SyncStatusIdle
		} else if !(continuation && account.SyncStatus == models.SyncStatusBackgroundSyncing && !s.admission.Active(accountID)) {
			return s.inProgress(account), nil
		}
	}

	if continuation && account.SyncStopped {
		if err := s.store.UpdateAccount(ctx, accountID, map[string]interface{}{
			models.ColSyncStatus:  models.SyncStatusIdle,
			models.ColNextRetryAt: nil,
		}); err != nil {
			return nil, storeError(err)
		}
		log.Info("Continuation dropped, sync was stopped")
		return &StartResult{Message: "Sync stopped", Progress: account.SyncProgress, Status: models.SyncStatusIdle}, nil
	}

	fetcher, err := s.registry.For(account)
	if err != nil {
		se := Classify(err)
		s.update(accountID, map[string]interface{}{
			models.ColSyncStatus: models.SyncStatusError,
			models.ColLastError:  se.Error(),
		})
		return nil, se
	}

	if blocked, retryAfter := s.guard.Check(fetcher.Name()); blocked {
		reason := fmt.Sprintf("provider %s is rate limited, retrying in %s", fetcher.Name(), retryAfter.Round(time.Second))
		progress, fields := s.parkFields(account, models.SyncStatusPaused)
		fields[models.ColNextRetryAt] = now.Add(retryAfter)
		fields[models.ColLastError] = reason
		if err := s.store.UpdateAccount(ctx, accountID, fields); err != nil {
			return nil, storeError(err)
		}
		log.WithField("retry_after", retryAfter.String()).Info("Sync paused by circuit guard")
		return &StartResult{Message: reason, Progress: progress, Status: models.SyncStatusPaused}, nil
	}

	if !s.admission.TryAcquire(accountID) {
		if s.admission.Active(accountID) {
			return s.inProgress(account), nil
		}
		progress, fields := s.parkFields(account, models.SyncStatusQueued)
		if err := s.store.UpdateAccount(ctx, accountID, fields); err != nil {
			return nil, storeError(err)
		}
		log.WithField("in_use", s.admission.InUse()).Info("Sync queued, no free slot")
		return &StartResult{
			Success:  true,
			Message:  "Sync queued",
			Progress: progress,
			Queued:   true,
			Status:   models.SyncStatusQueued,
		}, nil
	}

	status, progress, fields := s.startFields(account, continuation, now)
	if err := s.store.UpdateAccount(ctx, accountID, fields); err != nil {
		s.admission.Release(accountID)
		return nil, storeError(err)
	}

	s.wg.Add(1)
	go s.execute(accountID)

	msg := "Sync started"
	if continuation {
		msg = "Sync continuing"
	}
	log.WithField("status", status).Info(msg)
	return &StartResult{Success: true, Message: msg, Progress: progress, Status: status}, nil
}

func (s *Service) stuck(account *models.MailAccount, now time.Time) bool {
	if s.admission.Active(account.ID) {
		return false
	}
	if account.LastActivityAt == nil {
		return true
	}
	return now.Sub(*account.LastActivityAt) > s.cfg.StuckAfter
}

func (s *Service) inProgress(account *models.MailAccount) *StartResult {
	return &StartResult{
		Success:  true,
		Message:  msgInProgress,
		Progress: account.SyncProgress,
		Status:   account.SyncStatus,
	}
}

// parkFields moves an account into a waiting status. A completed account
// drops back below 100 since 100 is reserved for completed.
func (s *Service) parkFields(account *models.MailAccount, status models.SyncStatus) (int, map[string]interface{}) {
	fields := map[string]interface{}{
		models.ColSyncStatus: status,
	}
	progress := account.SyncProgress
	if progress >= 100 {
		progress = ComputeProgress(account.SyncedEmailCount, account.TotalEmailCount, s.cfg.FallbackTotal)
		fields[models.ColSyncProgress] = progress
	}
	return progress, fields
}

func (s *Service) startFields(account *models.MailAccount, continuation bool, now time.Time) (models.SyncStatus, int, map[string]interface{}) {
	progress := ComputeProgress(account.SyncedEmailCount, account.TotalEmailCount, s.cfg.FallbackTotal)
	if continuation {
		if account.SyncProgress < 100 && account.SyncProgress > progress {
			progress = account.SyncProgress
		}
		return models.SyncStatusBackgroundSyncing, progress, map[string]interface{}{
			models.ColSyncStatus:     models.SyncStatusBackgroundSyncing,
			models.ColSyncProgress:   progress,
			models.ColLastActivityAt: now,
			models.ColNextRetryAt:    nil,
		}
	}

	return models.SyncStatusSyncing, progress, map[string]interface{}{
		models.ColSyncStatus:        models.SyncStatusSyncing,
		models.ColSyncProgress:      progress,
		models.ColSuppressWebhooks:  !account.InitialSyncCompleted,
		models.ColSyncStopped:       false,
		models.ColContinuationCount: 0,
		models.ColRetryCount:        0,
		models.ColLastError:         nil,
		models.ColNextRetryAt:       nil,
		models.ColLastActivityAt:    now,
	}
}

func (s *Service) execute(accountID string) {
	defer s.wg.Done()

	var once sync.Once
	release := func() { once.Do(func() { s.admission.Release(accountID) }) }
	defer release()

	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.ExecutionLimit)
	defer cancel()
	deadline := s.clock.Now().Add(s.cfg.Budget)

	var res *Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = &Result{
					Outcome: OutcomeFailed,
					Err:     &SyncError{Kind: KindTransientService, Err: fmt.Errorf("sync loop panic: %v", r)},
				}
			}
		}()
		res = s.engine.Run(ctx, accountID, deadline)
	}()

	s.finish(accountID, res, release)
}

// finish persists the outcome of one invocation.
func (s *Service) finish(accountID string, res *Result, release func()) {
	log := logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"run_id":     res.RunID,
		"outcome":    res.Outcome,
	})
	now := s.clock.Now()

	switch res.Outcome {
	case OutcomeCompleted:
		utils.LogEvent("sync_completed", map[string]interface{}{
			"account_id": accountID,
			"provider":   res.Provider,
			"synced":     res.SyncedCount,
			"inserted":   res.Inserted,
		})

	case OutcomeContinue:
		count := res.ContinuationCount + 1
		if s.cfg.MaxContinuations > 0 && count > s.cfg.MaxContinuations {
			msg := fmt.Sprintf("sync exceeded %d continuations", s.cfg.MaxContinuations)
			s.update(accountID, map[string]interface{}{
				models.ColSyncStatus:        models.SyncStatusError,
				models.ColContinuationCount: count,
				models.ColLastError:         msg,
			})
			utils.LogError("sync_continuation_limit", errors.New(msg), map[string]interface{}{"account_id": accountID})
			return
		}
		if err := s.update(accountID, map[string]interface{}{
			models.ColSyncStatus:        models.SyncStatusBackgroundSyncing,
			models.ColContinuationCount: count,
			models.ColLastActivityAt:    now,
		}); err != nil {
			return
		}
		log.WithField("continuation_count", count).Info("Budget reached, handing off")

		// The next invocation may land in this process and needs the slot.
		release()
		ctx, cancel := context.WithTimeout(s.baseCtx, 30*time.Second)
		defer cancel()
		if err := s.trigger.Fire(ctx, accountID); err != nil {
			log.WithError(err).Warn("Continuation parked as pending_resume")
		}

	case OutcomePaused:
		fields := map[string]interface{}{
			models.ColSyncStatus: models.SyncStatusPaused,
		}
		if res.Err != nil {
			fields[models.ColNextRetryAt] = now.Add(res.Err.RetryAfter)
			fields[models.ColLastError] = res.Err.Error()
		}
		s.update(accountID, fields)

	case OutcomeStopped:
		s.update(accountID, map[string]interface{}{
			models.ColSyncStatus: models.SyncStatusIdle,
		})

	case OutcomeAccountGone:
		log.Info("Account no longer exists, sync ended")

	case OutcomeFailed:
		status := models.SyncStatusError
		msg := "sync failed"
		if res.Err != nil {
			msg = res.Err.Error()
			if res.Err.Reauth {
				status = models.SyncStatusErrorPermanent
			}
		}
		s.update(accountID, map[string]interface{}{
			models.ColSyncStatus: status,
			models.ColLastError:  msg,
		})
		var err error = errors.New(msg)
		if res.Err != nil {
			err = res.Err
		}
		utils.LogError("sync_failed", err, map[string]interface{}{
			"account_id": accountID,
			"provider":   res.Provider,
			"status":     status,
		})
	}
}

func (s *Service) update(accountID string, fields map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.store.UpdateAccount(ctx, accountID, fields)
	if err != nil && !errors.Is(err, models.ErrAccountNotFound) {
		logrus.WithError(err).WithField("account_id", accountID).Error("Failed to persist sync state")
	}
	return err
}

// GetSyncStatus reads the account's sync state without side effects.
func (s *Service) GetSyncStatus(ctx context.Context, accountID string) (*StatusView, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, storeError(err)
	}
	return &StatusView{
		AccountID:            account.ID,
		SyncStatus:           account.SyncStatus,
		Progress:             account.SyncProgress,
		TotalEmailCount:      account.TotalEmailCount,
		SyncedEmailCount:     account.SyncedEmailCount,
		LastSyncedAt:         account.LastSyncedAt,
		InitialSyncCompleted: account.InitialSyncCompleted,
		LastError:            account.LastError,
		NextRetryAt:          account.NextRetryAt,
	}, nil
}

// StopSync asks a running loop to exit at its next stop check. Accounts that
// are only waiting to start go straight back to idle.
func (s *Service) StopSync(ctx context.Context, accountID string) (*StatusView, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, storeError(err)
	}

	fields := map[string]interface{}{
		models.ColSyncStopped: true,
	}
	switch {
	case account.SyncStatus == models.SyncStatusQueued,
		account.SyncStatus == models.SyncStatusPaused,
		account.SyncStatus == models.SyncStatusPendingResume,
		account.SyncStatus.InProgress() && s.stuck(account, s.clock.Now()):
		fields[models.ColSyncStatus] = models.SyncStatusIdle
		fields[models.ColNextRetryAt] = nil
	}
	if err := s.store.UpdateAccount(ctx, accountID, fields); err != nil {
		return nil, storeError(err)
	}
	logrus.WithFields(logrus.Fields{
		"account_id": accountID,
		"status":     account.SyncStatus,
	}).Info("Sync stop requested")
	return s.GetSyncStatus(ctx, accountID)
}

// GuardSnapshot reports every provider circuit.
func (s *Service) GuardSnapshot(ctx context.Context) []ProviderHealth {
	return s.guard.Snapshot(ctx)
}

// ResumeDue restarts accounts that are waiting on a retry time, a free slot,
// or were abandoned mid-sync. It returns how many loops were launched.
func (s *Service) ResumeDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	started := 0

	due, err := s.store.ListResumable(ctx, now, s.cfg.ResumeBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list resumable accounts: %w", err)
	}
	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.StuckAfter), s.cfg.ResumeBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale accounts: %w", err)
	}

	type candidate struct {
		id           string
		continuation bool
	}
	candidates := make([]candidate, 0, len(due)+len(stale))
	for _, a := range due {
		candidates = append(candidates, candidate{a.ID, a.SyncStatus == models.SyncStatusPendingResume})
	}
	for _, a := range stale {
		candidates = append(candidates, candidate{a.ID, true})
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		if s.admission.InUse() >= s.admission.Capacity() {
			break
		}
		res, err := s.StartOrContinueSync(ctx, c.id, c.continuation)
		if err != nil {
			if IsKind(err, KindAccountMissing) {
				continue
			}
			logrus.WithError(err).WithField("account_id", c.id).Warn("Failed to resume sync")
			continue
		}
		if res.Success && !res.Queued && res.Message != msgInProgress {
			started++
		}
	}
	return started, nil
}

// Wait blocks until every launched loop has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown cancels running loops and waits for their checkpoints.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
