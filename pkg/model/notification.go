package model

import (
	"strconv"
	"strings"
	"time"
)

type NotificationType string

const (
	NotifyDecisionApproved      NotificationType = "decision_approved"
	NotifyDecisionRejected      NotificationType = "decision_rejected"
	NotifyDecisionInfoRequested NotificationType = "decision_info_requested"
	NotifyStatusChange          NotificationType = "status_change"
	NotifyDocumentVerified      NotificationType = "document_verified"
	NotifyDocumentRejected      NotificationType = "document_rejected"
	NotifyDocumentRequested     NotificationType = "document_requested"
	NotifyChatMessage           NotificationType = "chat_message"
	NotifyNewApplication        NotificationType = "new_application"

	adminPrefix = "admin_"
)

// IsAdmin reports whether t belongs to the admin_* family.
func (t NotificationType) IsAdmin() bool {
	return strings.HasPrefix(string(t), adminPrefix)
}

// Known reports whether t is one of the enumerated notification types.
func (t NotificationType) Known() bool {
	switch t {
	case NotifyDecisionApproved, NotifyDecisionRejected, NotifyDecisionInfoRequested,
		NotifyStatusChange, NotifyDocumentVerified, NotifyDocumentRejected,
		NotifyDocumentRequested, NotifyChatMessage, NotifyNewApplication:
		return true
	}
	return t.IsAdmin()
}

// Details is the flattened, camelCase view of a notification's data bag.
// Its content depends on the notification type and is not validated.
type Details map[string]any

func (d Details) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// Int returns the integer value stored at key. Numeric strings are accepted.
func (d Details) Int(key string) (int64, bool) {
	switch v := d[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (d Details) ApplicationID() (int64, bool) { return d.Int("applicationId") }
func (d Details) CompanyName() string          { return d.String("companyName") }
func (d Details) Amount() string               { return d.String("amount") }
func (d Details) SenderName() string           { return d.String("senderName") }

type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Details   Details          `json:"details"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

// NotificationRecord is one item of GET /notifications/.
type NotificationRecord struct {
	ID        int64            `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data"`
	IsRead    bool             `json:"is_read"`
	CreatedAt time.Time        `json:"created_at"`
}

type NotificationPage struct {
	Count    int                  `json:"count"`
	Next     *string              `json:"next"`
	Previous *string              `json:"previous"`
	Results  []NotificationRecord `json:"results"`
}

func (r NotificationRecord) Notification() Notification {
	details := make(Details, len(r.Data))
	for k, v := range r.Data {
		details[CamelCase(k)] = v
	}
	return Notification{
		ID:        strconv.FormatInt(r.ID, 10),
		Type:      r.Type,
		Title:     r.Title,
		Message:   r.Message,
		Details:   details,
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt,
	}
}

// CamelCase converts a snake_case key such as "application_id" into
// "applicationId". Keys without underscores are returned unchanged.
func CamelCase(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	var b strings.Builder
	b.Grow(len(key))
	upper := false
	for i, r := range key {
		if r == '_' {
			upper = i > 0 && b.Len() > 0
			continue
		}
		if upper {
			b.WriteString(strings.ToUpper(string(r)))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
