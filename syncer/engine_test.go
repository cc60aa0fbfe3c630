package syncer

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"mailsync/models"
	"mailsync/provider"
)

func TestRunCleanFullSync(t *testing.T) {
	acct := testAccount("acct-1")
	acct.TotalEmailCount = 450
	store := newMemStore(acct)
	fetcher := newFakeFetcher(450)
	clock := newFakeClock()
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))
	engine.writer.Wait()

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	calls := fetcher.Calls()
	if len(calls) != 3 {
		t.Fatalf("fetch calls = %d, want 3", len(calls))
	}
	wantCursors := []string{"", "c200", "c400"}
	for i, c := range calls {
		if c.cursor != wantCursors[i] || c.limit != 200 {
			t.Errorf("call %d = %+v, want cursor %q limit 200", i, c, wantCursors[i])
		}
	}

	got := store.account(acct.ID)
	if got.SyncStatus != models.SyncStatusCompleted {
		t.Errorf("status = %s", got.SyncStatus)
	}
	if got.SyncedEmailCount != 450 || store.emailCount() != 450 {
		t.Errorf("synced = %d, rows = %d", got.SyncedEmailCount, store.emailCount())
	}
	if got.SyncProgress != 100 {
		t.Errorf("progress = %d", got.SyncProgress)
	}
	if got.SyncCursor != nil {
		t.Errorf("cursor = %q, want nil", *got.SyncCursor)
	}
	if !got.InitialSyncCompleted || got.LastSyncedAt == nil {
		t.Errorf("completion fields not set: %+v", got)
	}
	if res.Inserted != 450 || res.Pages != 3 {
		t.Errorf("inserted = %d pages = %d", res.Inserted, res.Pages)
	}
}

func TestRunCursorNeverRegresses(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	fetcher := newFakeFetcher(1000)
	clock := newFakeClock()
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	seen := make(map[string]int)
	for i, c := range store.cursors {
		if prev, ok := seen[c]; ok {
			t.Fatalf("cursor %q persisted at step %d and again at %d", c, prev, i)
		}
		seen[c] = i
	}
	if len(store.cursors) == 0 {
		t.Fatal("no cursor checkpoints written")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	fetcher := newFakeFetcher(450)
	clock := newFakeClock()
	engine := newTestEngine(store, fetcher, clock, nil)

	first := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))
	second := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if first.Outcome != OutcomeCompleted || second.Outcome != OutcomeCompleted {
		t.Fatalf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}
	if second.Inserted != 0 {
		t.Errorf("second run inserted %d rows", second.Inserted)
	}
	got := store.account(acct.ID)
	if got.SyncedEmailCount != 450 || store.emailCount() != 450 {
		t.Errorf("synced = %d, rows = %d, want 450", got.SyncedEmailCount, store.emailCount())
	}
}

func TestRunStopsAtBudget(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	fetcher.clock = clock
	fetcher.cost = time.Minute
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(2*time.Minute))

	if res.Outcome != OutcomeContinue {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(fetcher.Calls()) != 2 {
		t.Fatalf("fetch calls = %d, want 2", len(fetcher.Calls()))
	}
	got := store.account(acct.ID)
	if got.SyncCursor == nil || *got.SyncCursor != "c400" {
		t.Fatalf("checkpoint cursor = %v, want c400", got.SyncCursor)
	}
	if got.SyncedEmailCount != 400 {
		t.Errorf("synced = %d", got.SyncedEmailCount)
	}
	if got.SyncProgress > 99 {
		t.Errorf("progress = %d before completion", got.SyncProgress)
	}
}

func TestRunRecoversFromRateLimit(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	fetcher.fail = func(n int, _ string) error {
		if n == 2 || n == 3 {
			return rateLimitErr()
		}
		return nil
	}
	guard := NewCircuitGuard(DefaultGuardSettings(), nil)
	engine := newTestEngine(store, fetcher, clock, guard)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	got := store.account(acct.ID)
	if got.RetryCount != 0 || got.LastError != nil {
		t.Errorf("retry_count = %d, last_error = %v", got.RetryCount, got.LastError)
	}
	if got.SyncedEmailCount != 450 {
		t.Errorf("synced = %d", got.SyncedEmailCount)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 10*time.Second || sleeps[1] != 20*time.Second {
		t.Errorf("backoff sleeps = %v, want [10s 20s]", sleeps)
	}

	health := guard.Health(context.Background(), fetcher.Name())
	if health.TotalRateLimits != 2 {
		t.Errorf("guard recorded %d rate limits, want 2", health.TotalRateLimits)
	}
	if health.State != "closed" {
		t.Errorf("guard state = %s, want closed", health.State)
	}
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	fetcher.fail = func(int, string) error { return transientErr() }
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Err == nil || res.Err.Kind != KindTransientService {
		t.Fatalf("err = %v", res.Err)
	}
	if n := len(fetcher.Calls()); n != 4 {
		t.Errorf("fetch calls = %d, want 4", n)
	}
	if got := store.account(acct.ID); got.RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", got.RetryCount)
	}
	sleeps := clock.Sleeps()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep %d = %s, want %s", i, sleeps[i], want[i])
		}
	}
}

func TestRunHandsOffWhenBackoffExceedsBudget(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	fetcher.fail = func(n int, _ string) error {
		if n == 2 {
			return transientErr()
		}
		return nil
	}
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(3*time.Second))

	if res.Outcome != OutcomeContinue {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if len(clock.Sleeps()) != 0 {
		t.Errorf("slept %v past the deadline", clock.Sleeps())
	}
	got := store.account(acct.ID)
	if got.SyncCursor == nil || *got.SyncCursor != "c200" {
		t.Errorf("cursor = %v, want c200", got.SyncCursor)
	}
}

func TestRunRestartsAfterInvalidCursor(t *testing.T) {
	acct := testAccount("acct-1")
	bogus := "expired-token"
	acct.SyncCursor = &bogus
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	calls := fetcher.Calls()
	if calls[0].cursor != bogus || calls[0].limit != 1 {
		t.Errorf("validation call = %+v", calls[0])
	}
	if calls[1].cursor != "" {
		t.Errorf("pagination restarted at %q, want beginning", calls[1].cursor)
	}
	if got := store.account(acct.ID); got.SyncedEmailCount != 450 {
		t.Errorf("synced = %d", got.SyncedEmailCount)
	}

	recorded := false
	for _, e := range store.errs {
		if strings.Contains(e, "cursor rejected") {
			recorded = true
		}
	}
	if !recorded {
		t.Errorf("restart reason not recorded, errors = %v", store.errs)
	}
}

func TestRunResumesFromValidCursor(t *testing.T) {
	acct := testAccount("acct-1")
	cursor := "c400"
	acct.SyncCursor = &cursor
	acct.SyncedEmailCount = 400
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	for _, c := range fetcher.Calls() {
		if c.cursor != "c400" {
			t.Errorf("unexpected fetch at cursor %q", c.cursor)
		}
	}
	if got := store.account(acct.ID); got.SyncedEmailCount != 450 {
		t.Errorf("synced = %d, want 450", got.SyncedEmailCount)
	}
}

func TestRunHonoursStopFlag(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(1000)
	fetcher.hook = func(n int) {
		if n == 1 {
			store.mutate(acct.ID, func(a *models.MailAccount) { a.SyncStopped = true })
		}
	}
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if res.Outcome != OutcomeStopped {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Err != nil {
		t.Errorf("stop recorded error %v", res.Err)
	}
	if n := len(fetcher.Calls()); n != 1 {
		t.Errorf("fetch calls = %d, want 1", n)
	}
	got := store.account(acct.ID)
	if got.SyncStatus == models.SyncStatusCompleted || got.LastError != nil {
		t.Errorf("stop left status %s, last_error %v", got.SyncStatus, got.LastError)
	}
	if got.SyncCursor == nil || *got.SyncCursor != "c200" {
		t.Errorf("cursor = %v, want c200", got.SyncCursor)
	}
}

func TestRunAccountDeletedMidSync(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(1000)
	fetcher.hook = func(n int) {
		if n == 1 {
			store.remove(acct.ID)
		}
	}
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))
	if res.Outcome != OutcomeAccountGone {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Err != nil {
		t.Errorf("err = %v", res.Err)
	}
}

func TestRunMissingAccount(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	fetcher := newFakeFetcher(10)
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), "nope", clock.Now().Add(time.Hour))
	if res.Outcome != OutcomeAccountGone {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(fetcher.Calls()) != 0 {
		t.Error("provider called for missing account")
	}
}

func TestRunUnauthorizedNeedsReauth(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(10)
	fetcher.fail = func(int, string) error { return unauthorizedErr() }
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))
	if res.Outcome != OutcomeFailed || res.Err == nil || !res.Err.Reauth {
		t.Fatalf("outcome = %s, err = %+v", res.Outcome, res.Err)
	}
	if n := len(fetcher.Calls()); n != 1 {
		t.Errorf("permanent failure retried: %d calls", n)
	}
}

func TestRunEmptyPageWithoutCursorCompletes(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(0)
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if got := store.account(acct.ID); got.SyncProgress != 100 || got.SyncedEmailCount != 0 {
		t.Errorf("progress = %d synced = %d", got.SyncProgress, got.SyncedEmailCount)
	}
}

func expiredTokenErr() error {
	return &provider.Error{Provider: provider.NameGrant, Kind: provider.KindCursorInvalid, StatusCode: 410, Message: "page token expired"}
}

func TestRunRestartsWhenCursorExpiresMidRun(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	fetcher.fail = func(n int, _ string) error {
		if n == 2 {
			return expiredTokenErr()
		}
		return nil
	}
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	var cursors []string
	for _, c := range fetcher.Calls() {
		cursors = append(cursors, c.cursor)
	}
	want := []string{"", "c200", "", "c200", "c400"}
	if fmt.Sprint(cursors) != fmt.Sprint(want) {
		t.Errorf("cursors = %q, want %q", cursors, want)
	}
	got := store.account(acct.ID)
	if got.SyncStatus != models.SyncStatusCompleted || got.SyncedEmailCount != 450 || store.emailCount() != 450 {
		t.Errorf("status = %s, synced = %d, rows = %d", got.SyncStatus, got.SyncedEmailCount, store.emailCount())
	}
	if got.LastError != nil {
		t.Errorf("last_error = %q, want cleared at completion", *got.LastError)
	}

	recorded := false
	for _, e := range store.errs {
		if strings.Contains(e, "cursor rejected") {
			recorded = true
		}
	}
	if !recorded {
		t.Errorf("restart reason not recorded, errors = %v", store.errs)
	}
}

func TestRunGivesUpWhenCursorKeepsExpiring(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	fetcher.fail = func(_ int, cursor string) error {
		if cursor == "c200" {
			return expiredTokenErr()
		}
		return nil
	}
	engine := newTestEngine(store, fetcher, clock, nil)

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if res.Outcome != OutcomeFailed || res.Err == nil || res.Err.Kind != KindCursorInvalid {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if got := len(fetcher.Calls()); got != 2*(maxCursorRestarts+1) {
		t.Errorf("calls = %d, want %d", got, 2*(maxCursorRestarts+1))
	}
}

// cyclingFetcher hands out cursors from a fixed successor table.
type cyclingFetcher struct {
	next  map[string]string
	calls int
}

func (f *cyclingFetcher) Name() string { return provider.NameGrant }

func (f *cyclingFetcher) FetchPage(_ context.Context, _ *models.MailAccount, cursor string, _ int) (*provider.Page, error) {
	f.calls++
	rec := provider.Record{
		ID:   fmt.Sprintf("cyc-%d", f.calls),
		From: []provider.Address{{Email: "sender@example.com"}},
		Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	return &provider.Page{Records: []provider.Record{rec}, NextCursor: f.next[cursor]}, nil
}

func TestRunRejectsRevisitedCursor(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := &cyclingFetcher{next: map[string]string{"": "A", "A": "B", "B": "A"}}
	engine := NewEngine(store, provider.NewRegistry(fetcher), NewCircuitGuard(DefaultGuardSettings(), nil),
		testRetry(), NewRecordWriter(store, nil), clock, testOptions())

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))

	if res.Outcome != OutcomeFailed || res.Err == nil || res.Err.Kind != KindPermanent {
		t.Fatalf("outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if fetcher.calls != 3 {
		t.Errorf("calls = %d, want 3", fetcher.calls)
	}
	if c := store.cursors[len(store.cursors)-1]; c != "B" {
		t.Errorf("last persisted cursor = %q, want B", c)
	}
	for i, c := range store.cursors[:len(store.cursors)-1] {
		if c == "A" && i > 0 && store.cursors[i-1] == "B" {
			t.Errorf("cursor regressed from B to A at write %d", i)
		}
	}
}

func TestRunReconcilesSyncedCountWithStoredRows(t *testing.T) {
	acct := testAccount("acct-1")
	store := newMemStore(acct)
	clock := newFakeClock()
	fetcher := newFakeFetcher(450)
	engine := newTestEngine(store, fetcher, clock, nil)

	if res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour)); res.Outcome != OutcomeCompleted {
		t.Fatalf("first outcome = %s", res.Outcome)
	}
	// A run that inserted rows but died before its checkpoint.
	store.mutate(acct.ID, func(a *models.MailAccount) { a.SyncedEmailCount = 100 })

	res := engine.Run(context.Background(), acct.ID, clock.Now().Add(time.Hour))
	if res.Outcome != OutcomeCompleted || res.Inserted != 0 {
		t.Fatalf("outcome = %s, inserted = %d", res.Outcome, res.Inserted)
	}
	if got := store.account(acct.ID); got.SyncedEmailCount != 450 {
		t.Errorf("synced = %d, want 450", got.SyncedEmailCount)
	}
}
