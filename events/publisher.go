package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"mailsync/syncer"
)

const (
	StreamName = "MAILSYNC"

	SubjectExtraction = "mail.attachments.extract"
	SubjectSynced     = "mail.email.synced"
)

type streamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher sends extraction jobs and synced-message events over NATS
// JetStream. Message ids let JetStream drop duplicates when a page is
// re-fetched after a continuation.
type Publisher struct {
	nc *nats.Conn
	js streamPublisher
}

// NewPublisher connects to NATS and obtains a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("mailsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js}
	if err := ensureStream(js); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func ensureStream(js nats.JetStreamContext) error {
	if info, err := js.StreamInfo(StreamName); err == nil && info != nil {
		return nil
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{"mail.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	logrus.WithField("stream", StreamName).Info("Created JetStream stream")
	return nil
}

func (p *Publisher) PublishExtraction(ctx context.Context, job syncer.ExtractionJob) error {
	return p.publish(ctx, SubjectExtraction, messageID("extract", job.AccountID, job.ProviderMessageID), job)
}

func (p *Publisher) PublishSynced(ctx context.Context, evt syncer.EmailSyncedEvent) error {
	return p.publish(ctx, SubjectSynced, messageID("synced", evt.AccountID, evt.ProviderMessageID), evt)
}

func (p *Publisher) publish(ctx context.Context, subject, msgID string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", subject, err)
	}
	if _, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

func messageID(kind, accountID, providerMessageID string) string {
	return kind + ":" + accountID + ":" + providerMessageID
}

// Close drains pending publishes before closing the connection.
func (p *Publisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}
