// Package events is the process-wide publish/subscribe bus that carries
// link state changes, inbound core unit events and user-facing banners.
package events

import (
	"sync"
	"time"
)

// Name identifies an event stream.
type Name string

const (
	DeviceConnected         Name = "deviceConnected"
	DeviceDisconnected      Name = "deviceDisconnected"
	DeviceFound             Name = "deviceFound"
	ScanStarted             Name = "scanStarted"
	ScanStopped             Name = "scanStopped"
	ConnectingStatusChanged Name = "connectingStatusChanged"
	DataReceived            Name = "dataReceived"

	StatusUpdateReceived Name = "statusUpdateReceived"
	GlassesDisplayEvent  Name = "glassesDisplayEvent"
	ShowBanner           Name = "showBanner"
	SearchResult         Name = "compatibleGlassesSearchResult"
	SearchStop           Name = "compatibleGlassesSearchStop"
	AppInfoResult        Name = "appInfoResult"
	AppIsDownloaded      Name = "appIsDownloadedResult"
	PermissionsNeeded    Name = "permissionsNeeded"
	AuthError            Name = "authError"
	StatusParseError     Name = "statusParseError"
	ProtocolError        Name = "protocolError"
)

// Event is one published message.
type Event struct {
	Name      Name
	Timestamp time.Time
	Payload   any
}

// Banner is a transient user-facing notification.
type Banner struct {
	Message string `json:"message"`
	Type    string `json:"type"` // "error", "success", "info"
}

// ConnectingStatus is the payload of ConnectingStatusChanged.
type ConnectingStatus struct {
	IsConnecting bool `json:"isConnecting"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	filter map[Name]struct{} // empty = every event
}

func (s *subscriber) wants(n Name) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[n]
	return ok
}

// Bus fans events out to subscribers. Slow subscribers whose buffer is full
// miss events instead of stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewBus constructs a ready Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers for the named events, or every event when names is
// empty. The returned function unsubscribes and closes the channel; it is
// safe to call more than once.
func (b *Bus) Subscribe(names ...Name) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(names) > 0 {
		s.filter = make(map[Name]struct{}, len(names))
		for _, n := range names {
			s.filter[n] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, unsub
}

// On runs handler for each named event on its own goroutine until the
// returned remove function is called.
func (b *Bus) On(name Name, handler func(Event)) (remove func()) {
	ch, unsub := b.Subscribe(name)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			handler(ev)
		}
	}()
	return func() {
		unsub()
		<-done
	}
}

// Publish sends an event to every interested subscriber.
func (b *Bus) Publish(name Name, payload any) {
	ev := Event{Name: name, Timestamp: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(name) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Banner publishes a ShowBanner event.
func (b *Bus) Banner(message, kind string) {
	b.Publish(ShowBanner, Banner{Message: message, Type: kind})
}

// Len returns the current subscriber count.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
