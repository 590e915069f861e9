package stubapi

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mahaj/market-realtime/pkg/model"
)

type notificationRow struct {
	rec   model.NotificationRecord
	owner string
}

// store keeps chat messages and notifications in memory. Message ids are
// sequential per server, notification ids likewise.
type store struct {
	mu         sync.Mutex
	nextMsgID  int64
	messages   map[int64][]model.ChatMessage
	nextNoteID int64
	notes      []*notificationRow
	users      map[string]model.Sender
}

func newStore() *store {
	return &store{
		messages: make(map[int64][]model.ChatMessage),
		users:    make(map[string]model.Sender),
	}
}

func (s *store) touchUser(u model.Sender) {
	if u.Email == "" {
		return
	}
	s.mu.Lock()
	s.users[u.Email] = u
	s.mu.Unlock()
}

func (s *store) appendMessage(appID int64, sender model.Sender, text string) model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMsgID++
	msg := model.ChatMessage{
		ID:        s.nextMsgID,
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[appID] = append(s.messages[appID], msg)

	for email := range s.users {
		if email == sender.Email {
			continue
		}
		s.addNotificationLocked(email, model.NotificationRecord{
			Type:    model.NotifyChatMessage,
			Title:   "New message",
			Message: sender.Name + ": " + text,
			Data: map[string]any{
				"application_id": appID,
				"sender_name":    sender.Name,
				"message_id":     msg.ID,
			},
		})
	}
	return msg
}

func (s *store) history(appID int64) []model.HistoryItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[appID]
	items := make([]model.HistoryItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, model.HistoryItem{
			ID:            m.ID,
			SenderEmail:   m.Sender.Email,
			SenderName:    m.Sender.Name,
			SenderRole:    m.Sender.Role,
			Text:          m.Text,
			AttachmentURL: m.AttachmentURL,
			IsRead:        m.IsRead,
			CreatedAt:     m.CreatedAt,
		})
	}
	return items
}

func (s *store) markMessagesRead(ids []int64) int {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for appID, msgs := range s.messages {
		for i := range msgs {
			if _, ok := want[msgs[i].ID]; ok && !msgs[i].IsRead {
				msgs[i].IsRead = true
				n++
			}
		}
		s.messages[appID] = msgs
	}
	return n
}

func (s *store) addNotification(owner string, rec model.NotificationRecord) model.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addNotificationLocked(owner, rec)
}

func (s *store) addNotificationLocked(owner string, rec model.NotificationRecord) model.NotificationRecord {
	s.nextNoteID++
	rec.ID = s.nextNoteID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	s.notes = append(s.notes, &notificationRow{rec: rec, owner: owner})
	return rec
}

// notifications returns the owner's records in insertion order, which the
// client must not rely on.
func (s *store) notifications(owner string) []model.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.NotificationRecord, 0)
	for _, row := range s.notes {
		if row.owner == owner {
			out = append(out, row.rec)
		}
	}
	return out
}

func (s *store) markNotificationRead(owner, id string) bool {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.notes {
		if row.owner == owner && row.rec.ID == n {
			row.rec.IsRead = true
			return true
		}
	}
	return false
}

func (s *store) markAllNotificationsRead(owner string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range s.notes {
		if row.owner == owner && !row.rec.IsRead {
			row.rec.IsRead = true
			n++
		}
	}
	return n
}

func (s *store) deleteNotification(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = slices.DeleteFunc(s.notes, func(row *notificationRow) bool { return row.rec.ID == id })
}
