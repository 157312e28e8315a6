package notifier

import (
	"time"

	"rubaz/internal/account"
	kit "rubaz/internal/transport"
)

// TestMessage is sent by TestCredentials.
const TestMessage = "🔔 Rubaz Bot notification test! If you can read this, it is configured correctly."

// Event types published on the bus.
const (
	TypeQueued  = "notifier.queued"
	TypeSent    = "notifier.sent"
	TypeFailed  = "notifier.failed"
	TypeDropped = "notifier.dropped"
	TypeDeduped = "notifier.deduped"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one message for one account's chat.
type Notification struct {
	Account account.ID
	Target  kit.Credentials
	Text    string
	Options *kit.SendOptions
}

type HistoryItem struct {
	At      time.Time  `json:"at"`
	Account account.ID `json:"account_id"`
	Text    string     `json:"text"`
}

// NotificationEvent is the Data of notifier.* bus events.
type NotificationEvent struct {
	Account account.ID `json:"account_id"`
	Key     string     `json:"key"`
	At      time.Time  `json:"at"`
	Error   string     `json:"error,omitempty"`
}
