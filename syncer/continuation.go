package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"mailsync/models"
)

// Dispatcher schedules the next sync invocation for an account.
type Dispatcher interface {
	Dispatch(ctx context.Context, accountID string) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, accountID string) error

func (f DispatchFunc) Dispatch(ctx context.Context, accountID string) error { return f(ctx, accountID) }

// HTTPDispatcher re-enters the service through its own /sync/start endpoint
// so the next invocation can land on any instance.
type HTTPDispatcher struct {
	client  *fasthttp.Client
	url     string
	token   func(accountID string) (string, error)
	timeout time.Duration
}

func NewHTTPDispatcher(baseURL string, token func(accountID string) (string, error), timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{
		client: &fasthttp.Client{
			Name:         "mailsync-continuation",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		url:     baseURL + "/sync/start",
		token:   token,
		timeout: timeout,
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, accountID string) error {
	token, err := d.token(accountID)
	if err != nil {
		return fmt.Errorf("failed to sign continuation token: %w", err)
	}
	body, err := json.Marshal(map[string]string{"accountId": accountID})
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(d.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.SetBody(body)

	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("continuation request failed: %w", err)
	}

	switch resp.StatusCode() {
	case fasthttp.StatusOK, fasthttp.StatusAccepted:
		return nil
	default:
		return fmt.Errorf("continuation request returned %d: %s", resp.StatusCode(), truncateRunes(string(resp.Body()), 200))
	}
}

// ContinuationTrigger fires the next invocation after a budget handoff. When
// every attempt fails the account is parked as pending_resume for the resume
// scheduler.
type ContinuationTrigger struct {
	dispatcher  Dispatcher
	store       Store
	clock       Clock
	attempts    int
	baseDelay   time.Duration
	resumeDelay time.Duration
}

func NewContinuationTrigger(dispatcher Dispatcher, store Store, clock Clock) *ContinuationTrigger {
	if clock == nil {
		clock = RealClock()
	}
	return &ContinuationTrigger{
		dispatcher:  dispatcher,
		store:       store,
		clock:       clock,
		attempts:    3,
		baseDelay:   500 * time.Millisecond,
		resumeDelay: time.Minute,
	}
}

// Fire dispatches the continuation, retrying with doubling delays. It returns
// the last dispatch error after the account has been parked.
func (t *ContinuationTrigger) Fire(ctx context.Context, accountID string) error {
	log := logrus.WithField("account_id", accountID)

	var lastErr error
	delay := t.baseDelay
	for attempt := 1; attempt <= t.attempts; attempt++ {
		lastErr = t.dispatcher.Dispatch(ctx, accountID)
		if lastErr == nil {
			log.WithField("attempt", attempt).Debug("Continuation dispatched")
			return nil
		}
		log.WithError(lastErr).WithField("attempt", attempt).Warn("Continuation dispatch failed")
		if attempt == t.attempts {
			break
		}
		if err := t.clock.Sleep(ctx, delay); err != nil {
			break
		}
		delay *= 2
	}

	next := t.clock.Now().Add(t.resumeDelay)
	if err := t.store.UpdateAccount(context.WithoutCancel(ctx), accountID, map[string]interface{}{
		models.ColSyncStatus:  models.SyncStatusPendingResume,
		models.ColNextRetryAt: next,
		models.ColLastError:   fmt.Sprintf("continuation dispatch failed: %v", lastErr),
	}); err != nil {
		log.WithError(err).Error("Failed to park account after continuation failure")
	}
	return lastErr
}
