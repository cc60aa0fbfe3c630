package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"mailsync/models"
)

// IMAPFetcher pages a single mailbox by UID. The cursor is
// "<uidvalidity>:<last uid>"; a UIDVALIDITY change invalidates it.
type IMAPFetcher struct {
	decrypt CredentialDecrypter
	timeout time.Duration
}

func NewIMAPFetcher(decrypt CredentialDecrypter, timeout time.Duration) *IMAPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &IMAPFetcher{decrypt: decrypt, timeout: timeout}
}

func (f *IMAPFetcher) Name() string { return NameIMAP }

// ParseIMAPCursor splits a cursor into UIDVALIDITY and the last delivered UID.
func ParseIMAPCursor(cursor string) (validity, lastUID uint32, err error) {
	if cursor == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(cursor, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed imap cursor %q", cursor)
	}
	v, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap cursor %q: %w", cursor, err)
	}
	u, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed imap cursor %q: %w", cursor, err)
	}
	return uint32(v), uint32(u), nil
}

func formatIMAPCursor(validity, lastUID uint32) string {
	return fmt.Sprintf("%d:%d", validity, lastUID)
}

// imapRecordID keys a message on its UIDVALIDITY as well as its UID, since a
// server may hand out the same UIDs again after a mailbox is rebuilt.
func imapRecordID(validity, uid uint32) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func (f *IMAPFetcher) FetchPage(ctx context.Context, account *models.MailAccount, cursor string, limit int) (*Page, error) {
	validity, lastUID, err := ParseIMAPCursor(cursor)
	if err != nil {
		return nil, &Error{Provider: NameIMAP, Kind: KindCursorInvalid, Message: err.Error()}
	}

	c, err := f.connect(ctx, account)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mailbox := account.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	status, err := c.Select(mailbox, true)
	if err != nil {
		return nil, &Error{Provider: NameIMAP, Kind: KindPermanent, Message: "failed to select mailbox " + mailbox, Err: err}
	}
	if cursor != "" && status.UidValidity != validity {
		return nil, &Error{
			Provider: NameIMAP,
			Kind:     KindCursorInvalid,
			Message:  fmt.Sprintf("uidvalidity changed from %d to %d", validity, status.UidValidity),
		}
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastUID+1, 0)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, classifyIMAPError("failed to search messages", err)
	}

	// "n:*" always matches the highest UID, even when it is below n.
	pending := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			pending = append(pending, uid)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	page := &Page{}
	if len(pending) == 0 {
		return page, nil
	}
	batch := pending
	if len(batch) > limit {
		batch = pending[:limit]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(batch...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, messages)
	}()

	for msg := range messages {
		rec, err := parseIMAPMessage(msg, section, mailbox, status.UidValidity)
		if err != nil {
			// A single unparsable message must not stall the mailbox.
			rec = Record{ID: imapRecordID(status.UidValidity, msg.Uid), Labels: []string{mailbox}}
		}
		page.Records = append(page.Records, rec)
	}
	if err := <-done; err != nil {
		return nil, classifyIMAPError("error during fetch", err)
	}

	if len(pending) > len(batch) {
		page.NextCursor = formatIMAPCursor(status.UidValidity, batch[len(batch)-1])
	}
	return page, nil
}

func (f *IMAPFetcher) connect(ctx context.Context, account *models.MailAccount) (*client.Client, error) {
	password, err := f.decrypt(account.IMAPPassword)
	if err != nil {
		return nil, &Error{Provider: NameIMAP, Kind: KindUnauthorized, Message: "failed to decrypt IMAP password", Err: err}
	}

	addr := fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort)
	tlsConfig := &tls.Config{ServerName: account.IMAPHost}
	dialer := &net.Dialer{Timeout: f.timeout}
	if dl, ok := ctx.Deadline(); ok {
		dialer.Deadline = dl
	}

	var c *client.Client
	switch strings.ToUpper(account.IMAPEncryption) {
	case "SSL", "TLS":
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	case "STARTTLS":
		c, err = client.DialWithDialer(dialer, addr)
		if err == nil {
			if err = c.StartTLS(tlsConfig); err != nil {
				c.Logout()
			}
		}
	default:
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, &Error{Provider: NameIMAP, Kind: KindTransient, Message: "failed to connect to IMAP server", Err: err}
	}
	c.Timeout = f.timeout

	if err := c.Login(account.IMAPUsername, password); err != nil {
		c.Logout()
		return nil, &Error{Provider: NameIMAP, Kind: KindUnauthorized, Message: "failed to login to IMAP server", Err: err}
	}
	return c, nil
}

func classifyIMAPError(msg string, err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
		return &Error{Provider: NameIMAP, Kind: KindTransient, Message: msg, Err: err}
	}
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "throttl") || strings.Contains(lower, "too many") {
		return &Error{Provider: NameIMAP, Kind: KindRateLimited, Message: msg, Err: err}
	}
	return &Error{Provider: NameIMAP, Kind: KindPermanent, Message: msg, Err: err}
}

func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName, mailbox string, validity uint32) (Record, error) {
	rec := Record{
		ID:     imapRecordID(validity, msg.Uid),
		Labels: []string{mailbox},
		Unread: true,
	}
	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			rec.Unread = false
		case imap.FlaggedFlag:
			rec.Starred = true
		case imap.DraftFlag:
			rec.Labels = append(rec.Labels, "drafts")
		case imap.DeletedFlag:
			rec.Labels = append(rec.Labels, "trash")
		}
	}

	if env := msg.Envelope; env != nil {
		rec.Subject = env.Subject
		rec.Date = env.Date
		rec.ThreadID = env.InReplyTo
		if rec.ThreadID == "" {
			rec.ThreadID = env.MessageId
		}
		rec.From = imapAddresses(env.From)
		rec.To = imapAddresses(env.To)
		rec.Cc = imapAddresses(env.Cc)
		rec.Bcc = imapAddresses(env.Bcc)
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return rec, nil
	}

	mr, err := mail.CreateReader(literal)
	if err != nil {
		return rec, fmt.Errorf("failed to create message reader: %w", err)
	}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			return rec, fmt.Errorf("failed to read next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return rec, fmt.Errorf("failed to read body: %w", err)
			}
			if strings.Contains(contentType, "text/html") {
				rec.BodyHTML = string(b)
			} else if strings.Contains(contentType, "text/plain") {
				rec.Body = string(b)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()
			n, _ := io.Copy(io.Discard, p.Body)
			size := n
			rec.Attachments = append(rec.Attachments, Attachment{
				ID:          fmt.Sprintf("%d.%d", msg.Uid, len(rec.Attachments)+1),
				Filename:    filename,
				ContentType: contentType,
				Size:        &size,
				ContentID:   strings.Trim(h.Get("Content-Id"), "<>"),
			})
		}
	}
	return rec, nil
}

func imapAddresses(addrs []*imap.Address) []Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		if a == nil {
			continue
		}
		out = append(out, Address{Name: a.PersonalName, Email: a.MailboxName + "@" + a.HostName})
	}
	return out
}
