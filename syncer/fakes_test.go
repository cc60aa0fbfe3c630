package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"

	"mailsync/models"
	"mailsync/provider"
)

type statusSample struct {
	status   models.SyncStatus
	progress int
}

type memStore struct {
	mu       sync.Mutex
	accounts map[string]*models.MailAccount
	emails   map[string]*models.SyncedEmail
	nextID   uint

	cursors []string
	errs    []string
	samples []statusSample
}

func newMemStore(accounts ...*models.MailAccount) *memStore {
	s := &memStore{
		accounts: make(map[string]*models.MailAccount),
		emails:   make(map[string]*models.SyncedEmail),
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) GetAccount(_ context.Context, id string) (*models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, models.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) account(id string) models.MailAccount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

func (s *memStore) mutate(id string, fn func(a *models.MailAccount)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.accounts[id])
}

func (s *memStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
}

func (s *memStore) UpdateAccount(_ context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return models.ErrAccountNotFound
	}
	for k, v := range fields {
		switch k {
		case models.ColSyncStatus:
			a.SyncStatus = v.(models.SyncStatus)
		case models.ColSyncCursor:
			a.SyncCursor = stringPtr(v)
			if a.SyncCursor != nil {
				s.cursors = append(s.cursors, *a.SyncCursor)
			}
		case models.ColSyncedEmailCount:
			a.SyncedEmailCount = v.(int)
		case models.ColTotalEmailCount:
			a.TotalEmailCount = v.(int)
		case models.ColSyncProgress:
			a.SyncProgress = v.(int)
		case models.ColContinuationCount:
			a.ContinuationCount = v.(int)
		case models.ColRetryCount:
			a.RetryCount = v.(int)
		case models.ColLastActivityAt:
			a.LastActivityAt = timePtr(v)
		case models.ColLastSyncedAt:
			a.LastSyncedAt = timePtr(v)
		case models.ColLastRetryAt:
			a.LastRetryAt = timePtr(v)
		case models.ColNextRetryAt:
			a.NextRetryAt = timePtr(v)
		case models.ColSyncStopped:
			a.SyncStopped = v.(bool)
		case models.ColSuppressWebhooks:
			a.SuppressWebhooks = v.(bool)
		case models.ColInitialSyncCompleted:
			a.InitialSyncCompleted = v.(bool)
		case models.ColLastError:
			a.LastError = stringPtr(v)
			if a.LastError != nil {
				s.errs = append(s.errs, *a.LastError)
			}
		case models.ColSyncMetadata:
			a.SyncMetadata = v.(datatypes.JSON)
		default:
			panic("unknown column " + k)
		}
	}
	s.samples = append(s.samples, statusSample{status: a.SyncStatus, progress: a.SyncProgress})
	return nil
}

func (s *memStore) InsertEmail(_ context.Context, email *models.SyncedEmail) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := email.AccountID + "|" + email.ProviderMessageID
	if _, ok := s.emails[key]; ok {
		return false, nil
	}
	s.nextID++
	email.ID = s.nextID
	s.emails[key] = email
	return true, nil
}

func (s *memStore) CountEmails(_ context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.emails {
		if e.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) emailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emails)
}

func (s *memStore) ListResumable(_ context.Context, now time.Time, limit int) ([]models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MailAccount
	for _, a := range s.accounts {
		switch a.SyncStatus {
		case models.SyncStatusQueued:
		case models.SyncStatusPaused, models.SyncStatusPendingResume:
			if a.NextRetryAt != nil && a.NextRetryAt.After(now) {
				continue
			}
		default:
			continue
		}
		out = append(out, *a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) ListStale(_ context.Context, before time.Time, limit int) ([]models.MailAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MailAccount
	for _, a := range s.accounts {
		if !a.SyncStatus.InProgress() {
			continue
		}
		if a.LastActivityAt != nil && !a.LastActivityAt.Before(before) {
			continue
		}
		out = append(out, *a)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func stringPtr(v interface{}) *string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return &x
	case *string:
		if x == nil {
			return nil
		}
		cp := *x
		return &cp
	}
	panic(fmt.Sprintf("unexpected string value %T", v))
}

func timePtr(v interface{}) *time.Time {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &x
	case *time.Time:
		if x == nil {
			return nil
		}
		cp := *x
		return &cp
	}
	panic(fmt.Sprintf("unexpected time value %T", v))
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type fetchCall struct {
	cursor string
	limit  int
}

// fakeFetcher pages over a fixed message list with cursors of the form
// "c<offset>". Any other cursor is rejected as invalid.
type fakeFetcher struct {
	mu       sync.Mutex
	name     string
	messages []provider.Record
	calls    []fetchCall

	clock *fakeClock
	// cost advances clock on every call.
	cost time.Duration
	// fail returns the error for call n (1-based), nil to serve the page.
	fail func(n int, cursor string) error
	// hook runs after call n was served.
	hook func(n int)
}

func newFakeFetcher(n int) *fakeFetcher {
	msgs := make([]provider.Record, n)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range msgs {
		msgs[i] = provider.Record{
			ID:       fmt.Sprintf("msg-%04d", i),
			ThreadID: fmt.Sprintf("thread-%04d", i/3),
			Subject:  fmt.Sprintf("Message %d", i),
			Body:     "hello",
			From:     []provider.Address{{Name: "Sender", Email: "sender@example.com"}},
			To:       []provider.Address{{Email: "owner@example.com"}},
			Date:     base.Add(time.Duration(i) * time.Minute),
			Labels:   []string{"INBOX"},
		}
	}
	return &fakeFetcher{name: provider.NameGrant, messages: msgs}
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) FetchPage(_ context.Context, _ *models.MailAccount, cursor string, limit int) (*provider.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{cursor: cursor, limit: limit})
	n := len(f.calls)
	fail, hook := f.fail, f.hook
	f.mu.Unlock()

	if f.clock != nil && f.cost > 0 {
		f.clock.Advance(f.cost)
	}
	if fail != nil {
		if err := fail(n, cursor); err != nil {
			return nil, err
		}
	}

	offset := 0
	if cursor != "" {
		v, err := strconv.Atoi(strings.TrimPrefix(cursor, "c"))
		if !strings.HasPrefix(cursor, "c") || err != nil || v > len(f.messages) {
			return nil, &provider.Error{Provider: f.name, Kind: provider.KindCursorInvalid, StatusCode: 400, Message: "invalid page token"}
		}
		offset = v
	}
	end := offset + limit
	if end > len(f.messages) {
		end = len(f.messages)
	}
	page := &provider.Page{Records: append([]provider.Record(nil), f.messages[offset:end]...)}
	if end < len(f.messages) {
		page.NextCursor = fmt.Sprintf("c%d", end)
	}

	if hook != nil {
		hook(n)
	}
	return page, nil
}

func (f *fakeFetcher) Calls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

func rateLimitErr() error {
	return &provider.Error{Provider: provider.NameGrant, Kind: provider.KindRateLimited, StatusCode: 429, Message: "too many requests"}
}

func transientErr() error {
	return &provider.Error{Provider: provider.NameGrant, Kind: provider.KindTransient, StatusCode: 503, Message: "service unavailable"}
}

func unauthorizedErr() error {
	return &provider.Error{Provider: provider.NameGrant, Kind: provider.KindUnauthorized, StatusCode: 401, Message: "grant revoked"}
}

type recordingPublisher struct {
	mu         sync.Mutex
	extraction []ExtractionJob
	synced     []EmailSyncedEvent
}

func (p *recordingPublisher) PublishExtraction(_ context.Context, job ExtractionJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extraction = append(p.extraction, job)
	return nil
}

func (p *recordingPublisher) PublishSynced(_ context.Context, evt EmailSyncedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = append(p.synced, evt)
	return nil
}

func testAccount(id string) *models.MailAccount {
	return &models.MailAccount{
		ID:              id,
		Email:           "owner@example.com",
		Provider:        provider.NameGrant,
		ProviderGrantID: "grant-" + id,
		SyncStatus:      models.SyncStatusIdle,
	}
}

func testOptions() Options {
	return Options{
		PageSize:      200,
		ProgressEvery: 2,
		StopPollEvery: 1,
		FallbackTotal: 10000,
	}
}

func testRetry() RetryPolicy {
	p := DefaultRetryPolicy()
	p.Jitter = nil
	return p
}

func newTestEngine(store *memStore, fetcher *fakeFetcher, clock *fakeClock, guard *CircuitGuard) *Engine {
	if guard == nil {
		guard = NewCircuitGuard(DefaultGuardSettings(), nil)
	}
	return NewEngine(store, provider.NewRegistry(fetcher), guard, testRetry(), NewRecordWriter(store, nil), clock, testOptions())
}
