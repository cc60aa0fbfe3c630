package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/valyala/fasthttp"

	"mailsync/models"
)

// GrantFetcher talks to a grant-based mail API:
// GET {base}/v3/grants/{grantId}/messages?limit=&page_token=
type GrantFetcher struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewGrantFetcher(baseURL, apiKey string, timeout time.Duration) *GrantFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GrantFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                "mailsync",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
}

func (g *GrantFetcher) Name() string { return NameGrant }

type grantAddress struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type grantAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        *int64 `json:"size"`
	ContentID   string `json:"content_id"`
	IsInline    bool   `json:"is_inline"`
}

type grantMessage struct {
	ID          string            `json:"id"`
	ThreadID    string            `json:"thread_id"`
	Subject     string            `json:"subject"`
	Snippet     string            `json:"snippet"`
	Body        string            `json:"body"`
	From        []grantAddress    `json:"from"`
	To          []grantAddress    `json:"to"`
	Cc          []grantAddress    `json:"cc"`
	Bcc         []grantAddress    `json:"bcc"`
	Date        int64             `json:"date"`
	Folders     []string          `json:"folders"`
	Unread      bool              `json:"unread"`
	Starred     bool              `json:"starred"`
	Attachments []grantAttachment `json:"attachments"`
}

type grantListResponse struct {
	Data       []grantMessage `json:"data"`
	NextCursor *string        `json:"next_cursor"`
}

type grantErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *GrantFetcher) FetchPage(ctx context.Context, account *models.MailAccount, cursor string, limit int) (*Page, error) {
	if account.ProviderGrantID == "" {
		return nil, &Error{Provider: NameGrant, Kind: KindPermanent, Message: "account has no provider grant id"}
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("page_token", cursor)
	}
	uri := fmt.Sprintf("%s/v3/grants/%s/messages?%s", g.baseURL, url.PathEscape(account.ProviderGrantID), q.Encode())

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Accept", "application/json")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(g.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := g.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, &Error{Provider: NameGrant, Kind: KindTransient, Message: "request failed", Err: err}
	}

	status := resp.StatusCode()
	if status != fasthttp.StatusOK {
		return nil, g.statusError(status, cursor, resp)
	}

	var body grantListResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, &Error{Provider: NameGrant, Kind: KindTransient, StatusCode: status, Message: "malformed response body", Err: err}
	}

	page := &Page{Records: make([]Record, 0, len(body.Data))}
	for _, m := range body.Data {
		page.Records = append(page.Records, m.toRecord())
	}
	if body.NextCursor != nil {
		page.NextCursor = *body.NextCursor
	}
	return page, nil
}

func (g *GrantFetcher) statusError(status int, cursor string, resp *fasthttp.Response) *Error {
	var apiErr grantErrorResponse
	_ = json.Unmarshal(resp.Body(), &apiErr)

	kind := KindForStatus(status)
	// A rejected page token surfaces as 400 or 410 with the cursor in play.
	if cursor != "" && (status == fasthttp.StatusBadRequest || status == fasthttp.StatusGone) {
		kind = KindCursorInvalid
	}

	e := &Error{
		Provider:   NameGrant,
		Kind:       kind,
		StatusCode: status,
		Message:    apiErr.Error.Message,
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	if kind == KindRateLimited {
		e.RetryAfter = ParseRetryAfter(string(resp.Header.Peek("Retry-After")), time.Now())
	}
	return e
}

func (m grantMessage) toRecord() Record {
	rec := Record{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Subject:  m.Subject,
		Snippet:  m.Snippet,
		From:     grantAddresses(m.From),
		To:       grantAddresses(m.To),
		Cc:       grantAddresses(m.Cc),
		Bcc:      grantAddresses(m.Bcc),
		Labels:   m.Folders,
		Unread:   m.Unread,
		Starred:  m.Starred,
	}
	if m.Date > 0 {
		rec.Date = time.Unix(m.Date, 0).UTC()
	}
	if looksLikeHTML(m.Body) {
		rec.BodyHTML = m.Body
	} else {
		rec.Body = m.Body
	}
	for _, a := range m.Attachments {
		rec.Attachments = append(rec.Attachments, Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			ContentID:   a.ContentID,
			Inline:      a.IsInline,
		})
	}
	return rec
}

// htmlTag matches an opening, closing or self-closing element. Bare angle
// brackets as in "a < b" or "<jane@example.com>" do not count.
var htmlTag = regexp.MustCompile(`<(/?[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/?|!(?i:doctype)[^<>]*)>`)

func looksLikeHTML(body string) bool {
	return htmlTag.MatchString(body)
}

func grantAddresses(in []grantAddress) []Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]Address, 0, len(in))
	for _, a := range in {
		out = append(out, Address{Name: a.Name, Email: a.Email})
	}
	return out
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. It returns zero when the value is absent or unusable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
