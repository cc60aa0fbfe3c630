package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailsync/models"
)

// CredentialDecrypter opens a credential stored encrypted on the account row.
type CredentialDecrypter func(ciphertext string) (string, error)

// GmailFetcher pages through a mailbox with the Gmail API. The cursor is the
// API's nextPageToken.
type GmailFetcher struct {
	oauth   *oauth2.Config
	decrypt CredentialDecrypter
}

func NewGmailFetcher(clientID, clientSecret string, decrypt CredentialDecrypter) *GmailFetcher {
	return &GmailFetcher{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailReadonlyScope},
		},
		decrypt: decrypt,
	}
}

func (g *GmailFetcher) Name() string { return NameGmail }

func (g *GmailFetcher) FetchPage(ctx context.Context, account *models.MailAccount, cursor string, limit int) (*Page, error) {
	refreshToken, err := g.decrypt(account.OAuthRefreshToken)
	if err != nil || refreshToken == "" {
		return nil, &Error{Provider: NameGmail, Kind: KindUnauthorized, Message: "refresh token unavailable", Err: err}
	}

	ts := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, &Error{Provider: NameGmail, Kind: KindTransient, Message: "failed to create Gmail service", Err: err}
	}

	listCall := svc.Users.Messages.List("me").MaxResults(int64(limit)).IncludeSpamTrash(true)
	if cursor != "" {
		listCall = listCall.PageToken(cursor)
	}
	listResp, err := listCall.Context(ctx).Do()
	if err != nil {
		return nil, classifyGmailError(err, cursor)
	}

	page := &Page{
		Records:    make([]Record, 0, len(listResp.Messages)),
		NextCursor: listResp.NextPageToken,
	}
	for _, ref := range listResp.Messages {
		msg, err := svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
		if err != nil {
			var gerr *googleapi.Error
			// Deleted between list and get.
			if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
				continue
			}
			return nil, classifyGmailError(err, "")
		}
		page.Records = append(page.Records, parseGmailMessage(msg))
	}
	return page, nil
}

func classifyGmailError(err error, cursor string) *Error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &Error{Provider: NameGmail, Kind: KindUnauthorized, Message: "token refresh rejected", Err: err}
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &Error{Provider: NameGmail, Kind: KindTransient, Message: "request failed", Err: err}
	}

	e := &Error{Provider: NameGmail, Kind: KindForStatus(gerr.Code), StatusCode: gerr.Code, Message: gerr.Message, Err: err}
	switch {
	case gerr.Code == http.StatusForbidden && gmailRateLimited(gerr):
		e.Kind = KindRateLimited
	case gerr.Code == http.StatusBadRequest && cursor != "":
		e.Kind = KindCursorInvalid
	}
	if e.Kind == KindRateLimited && gerr.Header != nil {
		e.RetryAfter = ParseRetryAfter(gerr.Header.Get("Retry-After"), time.Now())
	}
	return e
}

func gmailRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "rate limit")
}

func parseGmailMessage(msg *gmail.Message) Record {
	rec := Record{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
	}
	for _, label := range msg.LabelIds {
		switch label {
		case "UNREAD":
			rec.Unread = true
		case "STARRED":
			rec.Starred = true
		}
	}
	if msg.InternalDate > 0 {
		rec.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	if msg.Payload == nil {
		return rec
	}

	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			rec.Subject = header.Value
		case "From":
			rec.From = parseAddressHeader(header.Value)
		case "To":
			rec.To = parseAddressHeader(header.Value)
		case "Cc":
			rec.Cc = parseAddressHeader(header.Value)
		case "Bcc":
			rec.Bcc = parseAddressHeader(header.Value)
		}
	}

	walkGmailParts(msg.Payload, &rec)
	return rec
}

func walkGmailParts(part *gmail.MessagePart, rec *Record) {
	if part == nil {
		return
	}
	if part.Filename != "" && part.Body != nil {
		size := part.Body.Size
		rec.Attachments = append(rec.Attachments, Attachment{
			ID:          part.Body.AttachmentId,
			Filename:    part.Filename,
			ContentType: part.MimeType,
			Size:        &size,
			ContentID:   strings.Trim(gmailHeader(part, "Content-Id"), "<>"),
			Inline:      strings.HasPrefix(strings.ToLower(gmailHeader(part, "Content-Disposition")), "inline"),
		})
	} else if part.Body != nil && part.Body.Data != "" {
		data := decodeGmailBody(part.Body.Data)
		switch {
		case strings.HasPrefix(part.MimeType, "text/html") && rec.BodyHTML == "":
			rec.BodyHTML = data
		case strings.HasPrefix(part.MimeType, "text/plain") && rec.Body == "":
			rec.Body = data
		}
	}
	for _, child := range part.Parts {
		walkGmailParts(child, rec)
	}
}

func gmailHeader(part *gmail.MessagePart, name string) string {
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func decodeGmailBody(data string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

func parseAddressHeader(value string) []Address {
	list, err := mail.ParseAddressList(value)
	if err != nil {
		// Keep the raw value rather than dropping the participant.
		if value = strings.TrimSpace(value); value != "" {
			return []Address{{Email: value}}
		}
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		out = append(out, Address{Name: a.Name, Email: a.Address})
	}
	return out
}

var _ Fetcher = (*GmailFetcher)(nil)
