package controller

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"

	"mailsync/syncer"
)

const progressPollEvery = 2 * time.Second

type progressFrame struct {
	Type   string             `json:"type"`
	Status *syncer.StatusView `json:"status,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// ProgressWS streams an account's sync status until the sync reaches a
// terminal state or the client goes away. A frame is only written when the
// status or counters change.
func (sc *SyncController) ProgressWS(c *websocket.Conn) {
	defer c.Close()

	accountID := c.Query("accountId")
	if accountID == "" {
		c.WriteJSON(progressFrame{Type: "error", Error: "accountId is required"})
		return
	}
	log := sc.logger.WithField("account_id", accountID)

	// The reader notices client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(sc.pollEvery())
	defer ticker.Stop()

	var last *syncer.StatusView
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		view, err := sc.service.GetSyncStatus(ctx, accountID)
		cancel()
		if err != nil {
			c.WriteJSON(progressFrame{Type: "error", Error: err.Error()})
			return
		}

		if changed(last, view) {
			frame := progressFrame{Type: "progress", Status: view}
			if view.SyncStatus.Terminal() {
				frame.Type = "done"
			}
			if err := c.WriteJSON(frame); err != nil {
				log.WithError(err).Debug("Progress socket write failed")
				return
			}
			if view.SyncStatus.Terminal() {
				return
			}
			last = view
		}

		select {
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

func (sc *SyncController) pollEvery() time.Duration {
	if sc.progressEvery > 0 {
		return sc.progressEvery
	}
	return progressPollEvery
}

func changed(prev, next *syncer.StatusView) bool {
	if prev == nil {
		return true
	}
	return prev.SyncStatus != next.SyncStatus ||
		prev.Progress != next.Progress ||
		prev.SyncedEmailCount != next.SyncedEmailCount ||
		prev.TotalEmailCount != next.TotalEmailCount
}
