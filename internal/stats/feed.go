package stats

import (
	"sync"
	"time"
)

// Event types published on the feed
const (
	EventBlock  = "block"
	EventShare  = "share"
	EventPayout = "payout"
)

const feedBuffer = 64

// Event is one pool event pushed to live subscribers
type Event struct {
	Type string      `json:"type"`
	Time int64       `json:"time"`
	Data interface{} `json:"data"`
}

// Feed fans pool events out to live subscribers. A subscriber that falls
// behind loses events rather than stalling the publisher.
type Feed struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[chan Event]struct{})}
}

// Subscribe returns an event channel and a function that ends the
// subscription and closes the channel
func (f *Feed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, feedBuffer)

	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Publish sends an event to every subscriber. It is safe on a nil feed.
func (f *Feed) Publish(kind string, data interface{}) {
	if f == nil {
		return
	}
	ev := Event{Type: kind, Time: time.Now().Unix(), Data: data}

	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
