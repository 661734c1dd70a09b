// Package events provides a publish/subscribe event bus for the chat
// orchestration engine. Events flow from components (the Chat Engine,
// the Downloader) to subscribers (the WebSocket relay, the MQTT status
// bridge). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceChat identifies events from the Chat Engine.
	SourceChat = "chat"
	// SourceDownload identifies events from the Downloader.
	SourceDownload = "download"
	// SourceModel identifies events from the Sidecar Supervisor.
	SourceModel = "model"
)

// Kind constants describe the type of event within a source, matching
// the channel names external clients subscribe to.
const (
	// KindChatToken signals one streamed generation token.
	// Data: conversation_id, message_id, token.
	KindChatToken = "chat:token"
	// KindChatComplete signals a generation finished or was stopped by
	// the user. Data: conversation_id, message (the persisted message).
	KindChatComplete = "chat:complete"
	// KindChatError signals a generation failed.
	// Data: conversation_id, message_id, error.
	KindChatError = "chat:error"
	// KindChatWarning signals a non-fatal condition during generation,
	// e.g. history truncated to fit the context budget.
	// Data: conversation_id, message (the warning text).
	KindChatWarning = "chat:warning"

	// KindDownloadProgress reports periodic download progress.
	// Data: download_id, downloaded, total, bytes_per_sec.
	KindDownloadProgress = "download:progress"
	// KindDownloadComplete signals a download finished and was verified.
	// Data: download_id, destination_path.
	KindDownloadComplete = "download:complete"
	// KindDownloadError signals a download failed permanently.
	// Data: download_id, error.
	KindDownloadError = "download:error"

	// KindModelStatus is the channel for Sidecar Supervisor state.
	// No component publishes it: the Supervisor holds no Bus, and its
	// state is read only through Supervisor.Status.
	KindModelStatus = "model:status"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
