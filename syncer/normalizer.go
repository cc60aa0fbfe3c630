package syncer

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/badoux/checkmail"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"mailsync/models"
	"mailsync/provider"
)

const (
	defaultContentType = "application/octet-stream"
	defaultFilename    = "attachment"
	snippetLength      = 200
)

// folderPriority lists canonical folders from strongest to weakest claim.
var folderPriority = []string{
	models.FolderTrash,
	models.FolderSpam,
	models.FolderDrafts,
	models.FolderSent,
	models.FolderArchive,
	models.FolderInbox,
}

var folderAliases = map[string]string{
	"trash":         models.FolderTrash,
	"bin":           models.FolderTrash,
	"deleted":       models.FolderTrash,
	"deleted items": models.FolderTrash,
	"spam":          models.FolderSpam,
	"junk":          models.FolderSpam,
	"junk email":    models.FolderSpam,
	"junk e-mail":   models.FolderSpam,
	"bulk mail":     models.FolderSpam,
	"draft":         models.FolderDrafts,
	"drafts":        models.FolderDrafts,
	"sent":          models.FolderSent,
	"sent items":    models.FolderSent,
	"sent mail":     models.FolderSent,
	"sent messages": models.FolderSent,
	"archive":       models.FolderArchive,
	"archives":      models.FolderArchive,
	"inbox":         models.FolderInbox,
}

// canonicalLabel maps a raw provider label ("[Gmail]/Sent Mail", "\\Junk",
// "DRAFT") onto a canonical folder, or "" when it names none.
func canonicalLabel(label string) string {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.TrimPrefix(l, "\\")
	if i := strings.LastIndex(l, "/"); i >= 0 {
		l = l[i+1:]
	}
	return folderAliases[l]
}

// AssignFolder picks exactly one canonical folder. Mail sent from the
// account's own address is filed as sent unless it is a draft.
func AssignFolder(labels []string, fromEmail, accountEmail string) string {
	present := make(map[string]bool, len(labels))
	for _, label := range labels {
		if f := canonicalLabel(label); f != "" {
			present[f] = true
		}
	}

	folder := models.FolderInbox
	for _, f := range folderPriority {
		if present[f] {
			folder = f
			break
		}
	}

	if folder != models.FolderDrafts && isSelfSent(fromEmail, accountEmail) {
		return models.FolderSent
	}
	return folder
}

func isSelfSent(fromEmail, accountEmail string) bool {
	if fromEmail == "" || accountEmail == "" {
		return false
	}
	if checkmail.ValidateFormat(accountEmail) != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(fromEmail), strings.TrimSpace(accountEmail))
}

// SanitizeText drops invalid UTF-8, NULs and control characters other than
// line breaks and tabs.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// NormalizeAttachments fills in the fixed attachment shape.
func NormalizeAttachments(in []provider.Attachment) []models.AttachmentMeta {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.AttachmentMeta, 0, len(in))
	for _, a := range in {
		meta := models.AttachmentMeta{
			ID:          SanitizeText(a.ID),
			Filename:    SanitizeText(a.Filename),
			ContentType: strings.TrimSpace(strings.ToLower(a.ContentType)),
			ContentID:   SanitizeText(a.ContentID),
			Inline:      a.Inline,
		}
		if a.Size != nil && *a.Size > 0 {
			meta.Size = *a.Size
		}
		if meta.ContentType == "" {
			meta.ContentType = defaultContentType
		}
		if meta.Filename == "" {
			meta.Filename = defaultFilename
		}
		out = append(out, meta)
	}
	return out
}

// Normalize maps a provider record onto the stored message shape.
func Normalize(account *models.MailAccount, rec provider.Record) (*models.SyncedEmail, []models.AttachmentMeta) {
	var fromEmail, fromName string
	if len(rec.From) > 0 {
		fromEmail = SanitizeText(strings.TrimSpace(rec.From[0].Email))
		fromName = SanitizeText(rec.From[0].Name)
	}

	attachments := NormalizeAttachments(rec.Attachments)
	labels := make([]string, 0, len(rec.Labels))
	for _, l := range rec.Labels {
		labels = append(labels, SanitizeText(l))
	}

	body := SanitizeText(rec.Body)
	snippet := SanitizeText(rec.Snippet)
	if snippet == "" {
		snippet = truncateRunes(strings.Join(strings.Fields(body), " "), snippetLength)
	}

	email := &models.SyncedEmail{
		AccountID:         account.ID,
		ProviderMessageID: rec.ID,
		ThreadID:          SanitizeText(rec.ThreadID),
		Folder:            AssignFolder(labels, fromEmail, account.Email),
		Folders:           toJSON(labels),
		FromAddress:       fromEmail,
		FromName:          fromName,
		To:                toJSON(storedAddresses(rec.To)),
		Cc:                toJSON(storedAddresses(rec.Cc)),
		Bcc:               toJSON(storedAddresses(rec.Bcc)),
		Subject:           SanitizeText(rec.Subject),
		Snippet:           snippet,
		Body:              body,
		BodyHTML:          SanitizeText(rec.BodyHTML),
		ReceivedAt:        rec.Date,
		IsRead:            !rec.Unread,
		IsStarred:         rec.Starred,
		HasAttachments:    len(attachments) > 0,
		Attachments:       toJSON(attachments),
	}

	checkFolder(account, email, labels)
	return email, attachments
}

// checkFolder re-verifies the assignment and only logs on mismatch; a bad
// classification is never worth failing a sync.
func checkFolder(account *models.MailAccount, email *models.SyncedEmail, labels []string) {
	log := logrus.WithFields(logrus.Fields{
		"account_id": account.ID,
		"message_id": email.ProviderMessageID,
		"folder":     email.Folder,
		"labels":     labels,
	})

	valid := false
	for _, f := range folderPriority {
		if email.Folder == f {
			valid = true
			break
		}
	}
	if !valid {
		log.Warn("Message filed under unknown folder")
		return
	}

	if isSelfSent(email.FromAddress, account.Email) {
		if email.Folder != models.FolderSent && email.Folder != models.FolderDrafts {
			log.Warn("Self-sent message not filed as sent")
		}
		return
	}
	for _, l := range labels {
		if canonicalLabel(l) == models.FolderTrash && email.Folder != models.FolderTrash {
			log.Warn("Trashed message filed outside trash")
			return
		}
	}
}

func storedAddresses(in []provider.Address) []models.EmailAddress {
	out := make([]models.EmailAddress, 0, len(in))
	for _, a := range in {
		out = append(out, models.EmailAddress{
			Name:  SanitizeText(a.Name),
			Email: SanitizeText(strings.TrimSpace(a.Email)),
		})
	}
	return out
}

func toJSON(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return datatypes.JSON("[]")
	}
	return datatypes.JSON(b)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
