package controller

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"mailsync/config"
	"mailsync/middleware"
	"mailsync/models"
	"mailsync/syncer"
	"mailsync/utils"
)

type startCall struct {
	accountID    string
	continuation bool
}

type fakeSyncService struct {
	starts   []startCall
	stops    []string
	result   *syncer.StartResult
	startErr error
	view     *syncer.StatusView
	viewErr  error
}

func (f *fakeSyncService) StartOrContinueSync(_ context.Context, accountID string, continuation bool) (*syncer.StartResult, error) {
	f.starts = append(f.starts, startCall{accountID, continuation})
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.result, nil
}

func (f *fakeSyncService) GetSyncStatus(context.Context, string) (*syncer.StatusView, error) {
	return f.view, f.viewErr
}

func (f *fakeSyncService) StopSync(_ context.Context, accountID string) (*syncer.StatusView, error) {
	f.stops = append(f.stops, accountID)
	return f.view, f.viewErr
}

func (f *fakeSyncService) GuardSnapshot(context.Context) []syncer.ProviderHealth {
	return []syncer.ProviderHealth{{Provider: "grant", State: "closed"}}
}

func newTestApp(t *testing.T, svc SyncService) *fiber.App {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig.JWTSecret = "controller-test-secret"
	t.Cleanup(func() { config.AppConfig = prev })

	sc := NewSyncController(svc)
	app := fiber.New()
	group := app.Group("/sync", middleware.Protected())
	group.Post("/start", sc.StartSync)
	group.Get("/status", sc.GetSyncStatus)
	group.Post("/stop", sc.StopSync)
	group.Get("/guard", sc.GuardStatus)
	return app
}

func userToken(t *testing.T) string {
	t.Helper()
	token, err := utils.GenerateUserToken("user-1", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, app *fiber.App, method, path, token, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %q: %v", raw, err)
		}
	}
	return resp.StatusCode, out
}

func TestStartSync_Accepted(t *testing.T) {
	svc := &fakeSyncService{result: &syncer.StartResult{
		Success: true, Message: "Sync started", Progress: 0, Status: models.SyncStatusSyncing,
	}}
	app := newTestApp(t, svc)

	status, body := doRequest(t, app, "POST", "/sync/start", userToken(t), `{"accountId":"acct-1"}`)
	if status != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d (%v)", status, body)
	}
	if body["message"] != "Sync started" || body["success"] != true {
		t.Errorf("unexpected body %v", body)
	}
	if len(svc.starts) != 1 || svc.starts[0] != (startCall{"acct-1", false}) {
		t.Errorf("unexpected start calls %+v", svc.starts)
	}
}

func TestStartSync_Unauthenticated(t *testing.T) {
	app := newTestApp(t, &fakeSyncService{})

	status, _ := doRequest(t, app, "POST", "/sync/start", "", `{"accountId":"acct-1"}`)
	if status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestStartSync_MissingAccountID(t *testing.T) {
	svc := &fakeSyncService{}
	app := newTestApp(t, svc)

	status, _ := doRequest(t, app, "POST", "/sync/start", userToken(t), `{}`)
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if len(svc.starts) != 0 {
		t.Error("service must not be called for an invalid body")
	}
}

func TestStartSync_ContinuationToken(t *testing.T) {
	svc := &fakeSyncService{result: &syncer.StartResult{Success: true, Message: "Sync continuing"}}
	app := newTestApp(t, svc)

	token, err := utils.GenerateContinuationToken("acct-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	status, _ := doRequest(t, app, "POST", "/sync/start", token, `{"accountId":"acct-1"}`)
	if status != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
	if len(svc.starts) != 1 || !svc.starts[0].continuation {
		t.Errorf("expected a continuation start, got %+v", svc.starts)
	}
}

func TestStartSync_ContinuationTokenForOtherAccount(t *testing.T) {
	svc := &fakeSyncService{result: &syncer.StartResult{Success: true}}
	app := newTestApp(t, svc)

	token, err := utils.GenerateContinuationToken("acct-2")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	status, _ := doRequest(t, app, "POST", "/sync/start", token, `{"accountId":"acct-1"}`)
	if status != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
	if len(svc.starts) != 0 {
		t.Error("service must not be called")
	}
}

func TestStartSync_Paused(t *testing.T) {
	svc := &fakeSyncService{result: &syncer.StartResult{
		Message: "provider grant is rate limited", Status: models.SyncStatusPaused,
	}}
	app := newTestApp(t, svc)

	status, body := doRequest(t, app, "POST", "/sync/start", userToken(t), `{"accountId":"acct-1"}`)
	if status != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
	if body["status"] != string(models.SyncStatusPaused) || body["success"] != false {
		t.Errorf("expected paused status in body, got %v", body)
	}
}

func TestStartSync_StoppedContinuation(t *testing.T) {
	svc := &fakeSyncService{result: &syncer.StartResult{Message: "Sync stopped", Status: models.SyncStatusIdle}}
	app := newTestApp(t, svc)

	token, err := utils.GenerateContinuationToken("acct-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	status, _ := doRequest(t, app, "POST", "/sync/start", token, `{"accountId":"acct-1"}`)
	if status != fiber.StatusAccepted {
		t.Fatalf("expected 202, got %d", status)
	}
}

func TestStartSync_NotHandled(t *testing.T) {
	svc := &fakeSyncService{result: &syncer.StartResult{Message: "nothing to do", Status: models.SyncStatusError}}
	app := newTestApp(t, svc)

	status, _ := doRequest(t, app, "POST", "/sync/start", userToken(t), `{"accountId":"acct-1"}`)
	if status != fiber.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
}

func TestStartSync_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"missing", &syncer.SyncError{Kind: syncer.KindAccountMissing, Err: models.ErrAccountNotFound}, fiber.StatusNotFound},
		{"circuit", &syncer.SyncError{Kind: syncer.KindCircuitOpen, RetryAfter: 30 * time.Second}, fiber.StatusServiceUnavailable},
		{"permanent", &syncer.SyncError{Kind: syncer.KindPermanent, Err: errors.New("unknown provider")}, fiber.StatusUnprocessableEntity},
		{"transient", &syncer.SyncError{Kind: syncer.KindTransientService, Err: errors.New("db down")}, fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(t, &fakeSyncService{startErr: tt.err})
			status, _ := doRequest(t, app, "POST", "/sync/start", userToken(t), `{"accountId":"acct-1"}`)
			if status != tt.want {
				t.Errorf("expected %d, got %d", tt.want, status)
			}
		})
	}
}

func TestGetSyncStatus(t *testing.T) {
	svc := &fakeSyncService{view: &syncer.StatusView{
		AccountID:        "acct-1",
		SyncStatus:       models.SyncStatusBackgroundSyncing,
		Progress:         40,
		TotalEmailCount:  1000,
		SyncedEmailCount: 400,
	}}
	app := newTestApp(t, svc)

	status, body := doRequest(t, app, "GET", "/sync/status?accountId=acct-1", userToken(t), "")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["syncStatus"] != "background_syncing" || body["progress"] != float64(40) || body["syncedEmailCount"] != float64(400) {
		t.Errorf("unexpected body %v", body)
	}
}

func TestGetSyncStatus_RequiresAccountID(t *testing.T) {
	app := newTestApp(t, &fakeSyncService{})

	status, _ := doRequest(t, app, "GET", "/sync/status", userToken(t), "")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestGetSyncStatus_NotFound(t *testing.T) {
	svc := &fakeSyncService{viewErr: &syncer.SyncError{Kind: syncer.KindAccountMissing}}
	app := newTestApp(t, svc)

	status, _ := doRequest(t, app, "GET", "/sync/status?accountId=nope", userToken(t), "")
	if status != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestStopSync(t *testing.T) {
	svc := &fakeSyncService{view: &syncer.StatusView{AccountID: "acct-1", SyncStatus: models.SyncStatusIdle}}
	app := newTestApp(t, svc)

	status, body := doRequest(t, app, "POST", "/sync/stop", userToken(t), `{"accountId":"acct-1"}`)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["success"] != true {
		t.Errorf("unexpected body %v", body)
	}
	if len(svc.stops) != 1 || svc.stops[0] != "acct-1" {
		t.Errorf("unexpected stop calls %v", svc.stops)
	}
}

func TestGuardStatus(t *testing.T) {
	app := newTestApp(t, &fakeSyncService{})

	status, body := doRequest(t, app, "GET", "/sync/guard", userToken(t), "")
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	providers, ok := body["providers"].([]interface{})
	if !ok || len(providers) != 1 {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestChanged(t *testing.T) {
	a := &syncer.StatusView{SyncStatus: models.SyncStatusSyncing, Progress: 10}
	b := *a
	if !changed(nil, a) {
		t.Error("first view must count as a change")
	}
	if changed(a, &b) {
		t.Error("identical views must not count as a change")
	}
	b.Progress = 20
	if !changed(a, &b) {
		t.Error("progress change not detected")
	}
}
