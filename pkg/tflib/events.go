package tflib

import (
	"sync"

	"github.com/google/uuid"
)

// Event kinds published on the Bus.
const (
	EventMessageReceived   = "message-received"
	EventFileStatus        = "file-status"
	EventSettingUpdated    = "setting-updated"
	EventAutomationUpdated = "automation-updated"
)

// Event is one notification on the bus. Exactly one of the payload fields is
// set, matching Kind.
type Event struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	MessageReceived   *MessageReceivedEvent `json:"messageReceived,omitempty"`
	FileStatus        *FileStatusEvent      `json:"fileStatus,omitempty"`
	SettingUpdated    *SettingUpdatedEvent  `json:"settingUpdated,omitempty"`
	AutomationUpdated string                `json:"automationUpdated,omitempty"`
}

// MessageReceivedEvent announces a new message in a chat.
type MessageReceivedEvent struct {
	AccountID int64 `json:"accountId"`
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId"`
}

// FileStatusEvent announces a download or transfer state change.
type FileStatusEvent struct {
	AccountID      int64          `json:"accountId"`
	FileID         int32          `json:"fileId"`
	UniqueID       string         `json:"uniqueId"`
	DownloadStatus DownloadStatus `json:"downloadStatus,omitempty"`
	TransferStatus TransferStatus `json:"transferStatus,omitempty"`
	LocalPath      string         `json:"localPath,omitempty"`
}

// SettingUpdatedEvent announces a changed setting value.
type SettingUpdatedEvent struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Bus is an in-process publish/subscribe fan-out for Events. Subscribers get
// a buffered channel; a subscriber that falls behind loses events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel plus a cancel
// function. The channel is closed on cancel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish assigns the event an id and delivers it to all current subscribers.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
