// Package provider fetches pages of messages from remote mailbox providers and
// normalizes their payloads into Record at the boundary.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailsync/models"
)

// Provider names as stored in mail_accounts.provider.
const (
	NameGrant = "grant"
	NameGmail = "gmail"
	NameIMAP  = "imap"
)

// Address is a sender or recipient as the provider reports it.
type Address struct {
	Name  string
	Email string
}

// Attachment carries whatever metadata the provider exposed. Size is nil when
// unknown; ContentType is empty when unknown.
type Attachment struct {
	ID          string
	Filename    string
	ContentType string
	Size        *int64
	ContentID   string
	Inline      bool
}

// Record is one provider message.
type Record struct {
	ID       string
	ThreadID string
	Subject  string
	Snippet  string
	Body     string
	BodyHTML string
	From     []Address
	To       []Address
	Cc       []Address
	Bcc      []Address
	Date     time.Time
	// Labels are the raw folder/label names; the normalizer maps them to one canonical folder.
	Labels      []string
	Unread      bool
	Starred     bool
	Attachments []Attachment
}

// Page is one fetch result. An empty NextCursor means pagination is exhausted.
type Page struct {
	Records    []Record
	NextCursor string
}

// Fetcher lists one page of an account's messages starting at cursor
// ("" = beginning).
type Fetcher interface {
	Name() string
	FetchPage(ctx context.Context, account *models.MailAccount, cursor string, limit int) (*Page, error)
}

// ErrorKind classifies provider failures for the retry controller.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindPermanent
	KindCursorInvalid
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	case KindCursorInvalid:
		return "cursor_invalid"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "transient"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is the provider's hint, zero when absent.
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or false when err carries none.
func KindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return KindTransient, false
}

// KindForStatus maps an HTTP status code to an error class.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 401 || status == 403:
		return KindUnauthorized
	case status == 408 || status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// Registry resolves an account's fetcher by provider name.
type Registry struct {
	fetchers map[string]Fetcher
}

func NewRegistry(fetchers ...Fetcher) *Registry {
	r := &Registry{fetchers: make(map[string]Fetcher, len(fetchers))}
	for _, f := range fetchers {
		r.fetchers[f.Name()] = f
	}
	return r
}

func (r *Registry) For(account *models.MailAccount) (Fetcher, error) {
	name := account.Provider
	if name == "" {
		name = NameGrant
	}
	f, ok := r.fetchers[name]
	if !ok {
		return nil, &Error{Provider: name, Kind: KindPermanent, Message: "no fetcher registered for provider"}
	}
	return f, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.fetchers))
	for name := range r.fetchers {
		names = append(names, name)
	}
	return names
}
