package syncer

import (
	"context"
	"math"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"

	"mailsync/models"
)

// ComputeProgress returns min(99, round(synced/total*100)), using fallback
// when the provider has not reported a total. 100 is reserved for completed.
func ComputeProgress(synced, total, fallback int) int {
	estimate := total
	if estimate <= 0 {
		estimate = fallback
	}
	if estimate <= 0 || synced <= 0 {
		return 0
	}
	p := int(math.Round(float64(synced) / float64(estimate) * 100))
	if p > 99 {
		return 99
	}
	if p < 0 {
		return 0
	}
	return p
}

// ProgressTracker throttles account-row writes: a heartbeat every page and a
// full progress update every Nth page.
type ProgressTracker struct {
	store         Store
	clock         Clock
	accountID     string
	every         int
	fallbackTotal int

	meta       models.SyncMetadata
	startCount int
	total      int
	pages      int
	progress   int
}

func NewProgressTracker(store Store, clock Clock, account *models.MailAccount, runID string, every, fallbackTotal int) *ProgressTracker {
	if every <= 0 {
		every = 1
	}
	start := account.SyncProgress
	if start >= 100 || !account.SyncStatus.InProgress() {
		start = ComputeProgress(account.SyncedEmailCount, account.TotalEmailCount, fallbackTotal)
	}
	return &ProgressTracker{
		store:         store,
		clock:         clock,
		accountID:     account.ID,
		every:         every,
		fallbackTotal: fallbackTotal,
		meta:          models.SyncMetadata{RunID: runID, RunStartedAt: clock.Now()},
		startCount:    account.SyncedEmailCount,
		total:         account.TotalEmailCount,
		progress:      start,
	}
}

// Progress is the last value written (or the starting value).
func (t *ProgressTracker) Progress() int { return t.progress }

// Pages is the number of pages recorded by this tracker.
func (t *ProgressTracker) Pages() int { return t.pages }

// Page records one processed page and persists the cursor that follows it.
func (t *ProgressTracker) Page(ctx context.Context, cursor *string, synced int) error {
	t.pages++
	fields := map[string]interface{}{
		models.ColLastActivityAt:   t.clock.Now(),
		models.ColSyncCursor:       cursor,
		models.ColSyncedEmailCount: synced,
	}
	if t.pages%t.every == 0 {
		t.addProgress(fields, synced)
	}
	return t.store.UpdateAccount(ctx, t.accountID, fields)
}

// Flush writes cursor, counters and progress unconditionally.
func (t *ProgressTracker) Flush(ctx context.Context, cursor *string, synced int) error {
	fields := map[string]interface{}{
		models.ColLastActivityAt:   t.clock.Now(),
		models.ColSyncCursor:       cursor,
		models.ColSyncedEmailCount: synced,
	}
	t.addProgress(fields, synced)
	return t.store.UpdateAccount(ctx, t.accountID, fields)
}

func (t *ProgressTracker) addProgress(fields map[string]interface{}, synced int) {
	if p := ComputeProgress(synced, t.total, t.fallbackTotal); p > t.progress {
		t.progress = p
	}
	fields[models.ColSyncProgress] = t.progress

	if t.total > 0 && synced > t.total {
		t.total = synced
		fields[models.ColTotalEmailCount] = t.total
	}

	t.meta.PagesFetched = t.pages
	if elapsed := t.clock.Now().Sub(t.meta.RunStartedAt).Minutes(); elapsed > 0 {
		t.meta.MessagesPerMin = math.Round(float64(synced-t.startCount)/elapsed*10) / 10
	}
	if b, err := json.Marshal(t.meta); err == nil {
		fields[models.ColSyncMetadata] = datatypes.JSON(b)
	}
}

// Total is the non-decreasing total estimate seen by this run.
func (t *ProgressTracker) Total(synced int) int {
	if synced > t.total {
		return synced
	}
	return t.total
}
