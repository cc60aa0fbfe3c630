package syncer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"mailsync/models"
	"mailsync/provider"
)

func TestRetryDelay(t *testing.T) {
	p := testRetry()

	tests := []struct {
		name    string
		err     *SyncError
		attempt int
		want    time.Duration
	}{
		{"rate limit first", &SyncError{Kind: KindRateLimited}, 1, 10 * time.Second},
		{"rate limit second", &SyncError{Kind: KindRateLimited}, 2, 20 * time.Second},
		{"rate limit capped", &SyncError{Kind: KindRateLimited}, 5, 40 * time.Second},
		{"rate limit hint wins", &SyncError{Kind: KindRateLimited, RetryAfter: 7 * time.Second}, 3, 7 * time.Second},
		{"rate limit hint capped", &SyncError{Kind: KindRateLimited, RetryAfter: 10 * time.Minute}, 1, 40 * time.Second},
		{"transient first", &SyncError{Kind: KindTransientService}, 1, 5 * time.Second},
		{"transient third", &SyncError{Kind: KindTransientService}, 3, 20 * time.Second},
		{"transient capped", &SyncError{Kind: KindTransientService}, 4, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.err, tt.attempt); got != tt.want {
				t.Errorf("Delay = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryJitterOnlyOnRateLimits(t *testing.T) {
	p := DefaultRetryPolicy()
	var asked []time.Duration
	p.Jitter = func(max time.Duration) time.Duration {
		asked = append(asked, max)
		return max - 1
	}

	if got := p.Delay(&SyncError{Kind: KindRateLimited}, 1); got != 10*time.Second+2500*time.Millisecond-1 {
		t.Errorf("rate limit delay = %s", got)
	}
	if got := p.Delay(&SyncError{Kind: KindTransientService}, 1); got != 5*time.Second {
		t.Errorf("transient delay = %s", got)
	}
	if len(asked) != 1 || asked[0] != 2500*time.Millisecond {
		t.Errorf("jitter requested %v", asked)
	}
}

func TestRandomJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		if d := randomJitter(time.Second); d < 0 || d >= time.Second {
			t.Fatalf("jitter %s out of range", d)
		}
	}
	if randomJitter(0) != 0 {
		t.Error("zero max must give zero jitter")
	}
}

func TestRetryable(t *testing.T) {
	p := DefaultRetryPolicy()
	for kind, want := range map[ErrorKind]bool{
		KindRateLimited:      true,
		KindTransientService: true,
		KindPermanent:        false,
		KindCursorInvalid:    false,
		KindCircuitOpen:      false,
	} {
		if got := p.Retryable(kind); got != want {
			t.Errorf("Retryable(%s) = %v", kind, got)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   ErrorKind
		reauth bool
	}{
		{"rate limit", &provider.Error{Kind: provider.KindRateLimited, RetryAfter: 3 * time.Second}, KindRateLimited, false},
		{"transient", &provider.Error{Kind: provider.KindTransient}, KindTransientService, false},
		{"permanent", &provider.Error{Kind: provider.KindPermanent}, KindPermanent, false},
		{"unauthorized", &provider.Error{Kind: provider.KindUnauthorized}, KindPermanent, true},
		{"cursor", &provider.Error{Kind: provider.KindCursorInvalid}, KindCursorInvalid, false},
		{"missing account", models.ErrAccountNotFound, KindAccountMissing, false},
		{"unknown", errors.New("boom"), KindPermanent, false},
		{"network", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransientService, false},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), KindTransientService, false},
		{"already classified", &SyncError{Kind: KindCircuitOpen}, KindCircuitOpen, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := Classify(tt.err)
			if se.Kind != tt.kind || se.Reauth != tt.reauth {
				t.Errorf("Classify = %s reauth=%v, want %s reauth=%v", se.Kind, se.Reauth, tt.kind, tt.reauth)
			}
		})
	}

	if se := Classify(&provider.Error{Kind: provider.KindRateLimited, RetryAfter: 3 * time.Second}); se.RetryAfter != 3*time.Second {
		t.Errorf("retry-after hint lost: %s", se.RetryAfter)
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) != nil")
	}
}

func TestStoreError(t *testing.T) {
	if se := storeError(errors.New("connection reset by peer")); se.Kind != KindTransientService {
		t.Errorf("database failure = %s, want transient", se.Kind)
	}
	if se := storeError(fmt.Errorf("load: %w", models.ErrAccountNotFound)); se.Kind != KindAccountMissing {
		t.Errorf("missing account = %s", se.Kind)
	}
	if storeError(nil) != nil {
		t.Error("storeError(nil) != nil")
	}
}
