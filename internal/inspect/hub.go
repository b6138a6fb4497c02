package inspect

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentworkforce/relaymutate/internal/conflicts"
	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

type MessageKind string

const (
	MessageEvent    MessageKind = "event"
	MessageFeedback MessageKind = "feedback"
	MessageConflict MessageKind = "conflict"
)

// Message is one frame on the event stream.
type Message struct {
	Kind     MessageKind          `json:"kind"`
	Event    *optimistic.Event    `json:"event,omitempty"`
	Feedback *optimistic.Feedback `json:"feedback,omitempty"`
	Conflict *conflicts.Conflict  `json:"conflict,omitempty"`
}

const defaultSubscriberBuffer = 64

// Hub fans registry events, feedback and domain conflicts out to stream
// subscribers. A subscriber that falls behind loses frames instead of
// blocking the publisher.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]chan []byte
	nextSub uint64
	closed  bool
	buffer  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger, buffer int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   map[uint64]chan []byte{},
		buffer: buffer,
		logger: logger,
	}
}

func (h *Hub) OnEvent(ev optimistic.Event) {
	h.publish(Message{Kind: MessageEvent, Event: &ev})
}

func (h *Hub) OnFeedback(fb optimistic.Feedback) {
	h.publish(Message{Kind: MessageFeedback, Feedback: &fb})
}

func (h *Hub) OnConflict(c conflicts.Conflict) {
	h.publish(Message{Kind: MessageConflict, Conflict: &c})
}

// Subscribe returns a frame channel and a cancel function. The channel is
// closed by cancel or by Close.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan []byte, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextSub++
	id := h.nextSub
	h.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts frames discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) publish(msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("event stream encode failed", "kind", string(msg.Kind), "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- frame:
		default:
			h.dropped.Add(1)
			h.logger.Debug("event stream subscriber behind, frame dropped", "subscriber", id)
		}
	}
}
