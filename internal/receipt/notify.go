package receipt

import (
	"log/slog"
	"sync"
	"time"
)

const maxNotices = 50

// Notice levels
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Notice describes the outcome of background work for one user
type Notice struct {
	Kind    string    `json:"kind"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// NoticeReporter receives the outcomes of background work that no caller waits for
type NoticeReporter interface {
	Report(userID string, notice Notice)
}

// Notifications logs every notice and keeps the most recent ones per user
type Notifications struct {
	mu      sync.Mutex
	notices map[string][]Notice
	now     func() time.Time
}

// NewNotifications creates an empty feed
func NewNotifications() *Notifications {
	return &Notifications{
		notices: make(map[string][]Notice),
		now:     time.Now,
	}
}

// Report logs the notice and appends it to the user's feed
func (n *Notifications) Report(userID string, notice Notice) {
	if notice.Time.IsZero() {
		notice.Time = n.now()
	}

	if notice.Level == LevelError {
		slog.Error("Background task failed", "user", userID, "kind", notice.Kind, "error", notice.Message)
	} else {
		slog.Info("Background task finished", "user", userID, "kind", notice.Kind, "message", notice.Message)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	feed := append(n.notices[userID], notice)
	if len(feed) > maxNotices {
		feed = feed[len(feed)-maxNotices:]
	}
	n.notices[userID] = feed
}

// List returns the user's notices, newest first
func (n *Notifications) List(userID string) []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	feed := n.notices[userID]
	out := make([]Notice, 0, len(feed))
	for i := len(feed) - 1; i >= 0; i-- {
		out = append(out, feed[i])
	}
	return out
}
