package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mailsync/models"
	"mailsync/provider"
	"mailsync/utils"
)

// ExtractionJob asks the attachment extraction service to process one message.
type ExtractionJob struct {
	AccountID         string                  `json:"account_id"`
	ProviderGrantID   string                  `json:"provider_grant_id"`
	ProviderMessageID string                  `json:"provider_message_id"`
	Attachments       []models.AttachmentMeta `json:"attachments"`
}

// EmailSyncedEvent announces a newly stored message to downstream consumers.
type EmailSyncedEvent struct {
	AccountID         string    `json:"account_id"`
	ProviderMessageID string    `json:"provider_message_id"`
	ThreadID          string    `json:"thread_id"`
	Folder            string    `json:"folder"`
	ReceivedAt        time.Time `json:"received_at"`
}

// Publisher hands work to systems outside the sync engine.
type Publisher interface {
	PublishExtraction(ctx context.Context, job ExtractionJob) error
	PublishSynced(ctx context.Context, evt EmailSyncedEvent) error
}

type nopPublisher struct{}

// NopPublisher drops every message; used when no broker is configured.
func NopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) PublishExtraction(context.Context, ExtractionJob) error { return nil }
func (nopPublisher) PublishSynced(context.Context, EmailSyncedEvent) error { return nil }

// RecordWriter normalizes and stores provider records. Side tasks run in the
// background and their failures are only logged.
type RecordWriter struct {
	store       Store
	publisher   Publisher
	sideTimeout time.Duration
	wg          sync.WaitGroup
}

func NewRecordWriter(store Store, publisher Publisher) *RecordWriter {
	if publisher == nil {
		publisher = NopPublisher()
	}
	return &RecordWriter{store: store, publisher: publisher, sideTimeout: 10 * time.Second}
}

// Write stores rec and reports whether it was new.
func (w *RecordWriter) Write(ctx context.Context, account *models.MailAccount, rec provider.Record) (bool, error) {
	if rec.ID == "" {
		logrus.WithField("account_id", account.ID).Warn("Skipping provider record without id")
		return false, nil
	}

	email, attachments := Normalize(account, rec)
	inserted, err := w.store.InsertEmail(ctx, email)
	if err != nil {
		return false, fmt.Errorf("failed to store message %s: %w", rec.ID, err)
	}
	if !inserted {
		return false, nil
	}

	if len(attachments) > 0 {
		job := ExtractionJob{
			AccountID:         account.ID,
			ProviderGrantID:   account.ProviderGrantID,
			ProviderMessageID: rec.ID,
			Attachments:       attachments,
		}
		w.goSide("attachment_extraction", account.ID, func(ctx context.Context) error {
			return w.publisher.PublishExtraction(ctx, job)
		})
	}
	if !account.SuppressWebhooks {
		evt := EmailSyncedEvent{
			AccountID:         account.ID,
			ProviderMessageID: rec.ID,
			ThreadID:          email.ThreadID,
			Folder:            email.Folder,
			ReceivedAt:        email.ReceivedAt,
		}
		w.goSide("email_synced_event", account.ID, func(ctx context.Context) error {
			return w.publisher.PublishSynced(ctx, evt)
		})
	}
	return true, nil
}

func (w *RecordWriter) goSide(task, accountID string, fn func(ctx context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				utils.LogError("side_task_panic", fmt.Errorf("%v", r), map[string]interface{}{
					"task":       task,
					"account_id": accountID,
				})
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), w.sideTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"task":       task,
				"account_id": accountID,
			}).WithError(err).Warn("Side task failed")
		}
	}()
}

// Wait blocks until in-flight side tasks finish.
func (w *RecordWriter) Wait() {
	w.wg.Wait()
}
