package repository

import (
	"testing"
	"time"

	"mailsync/models"
)

func TestNormalizeFields(t *testing.T) {
	cursor := "c200"
	var nilCursor *string
	now := time.Now()
	var nilTime *time.Time

	out := normalizeFields(map[string]interface{}{
		models.ColSyncCursor:     &cursor,
		models.ColLastError:      nilCursor,
		models.ColLastActivityAt: &now,
		models.ColNextRetryAt:    nilTime,
		models.ColSyncStatus:     models.SyncStatusSyncing,
		models.ColRetryCount:     2,
	})

	if out[models.ColSyncCursor] != "c200" {
		t.Errorf("cursor = %#v", out[models.ColSyncCursor])
	}
	if out[models.ColLastError] != nil {
		t.Errorf("nil pointer not mapped to NULL: %#v", out[models.ColLastError])
	}
	if out[models.ColLastActivityAt] != now {
		t.Errorf("time = %#v", out[models.ColLastActivityAt])
	}
	if out[models.ColNextRetryAt] != nil {
		t.Errorf("nil time = %#v", out[models.ColNextRetryAt])
	}
	if out[models.ColSyncStatus] != "syncing" {
		t.Errorf("status = %#v", out[models.ColSyncStatus])
	}
	if out[models.ColRetryCount] != 2 {
		t.Errorf("retry = %#v", out[models.ColRetryCount])
	}
}
