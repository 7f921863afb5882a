package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/AzielCF/az-inbox/domains/realtime"
	"github.com/AzielCF/az-inbox/pkg/metrics"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

const (
	broadcastChannel = "ws_broadcast"
	defaultBuffer    = 64
)

// Conn is the part of a websocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Broker propagates events between processes. *valkey.Client satisfies it.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error
}

// Frame is what a websocket client receives.
type Frame struct {
	Topic string `json:"topic"`
	realtime.Event
}

type envelope struct {
	SenderID string         `json:"sender_id"`
	Topic    string         `json:"topic"`
	Event    realtime.Event `json:"event"`
}

// Subscriber is one websocket connection joined to a set of topic rooms.
// Frames are queued and written by the subscriber's own goroutine.
type Subscriber struct {
	conn   Conn
	topics []string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// Hub fans realtime events out to topic rooms. Publishing never blocks: a
// subscriber whose queue is full misses the event.
type Hub struct {
	serverID string
	broker   Broker
	buffer   int

	mu    sync.RWMutex
	rooms map[string]map[*Subscriber]struct{}
}

func NewHub(serverID string, broker Broker) *Hub {
	return &Hub{
		serverID: serverID,
		broker:   broker,
		buffer:   defaultBuffer,
		rooms:    make(map[string]map[*Subscriber]struct{}),
	}
}

// Join registers conn in the given rooms and starts its writer.
func (h *Hub) Join(conn Conn, topics ...string) *Subscriber {
	s := &Subscriber{
		conn:   conn,
		topics: topics,
		send:   make(chan []byte, h.buffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	for _, t := range topics {
		room, ok := h.rooms[t]
		if !ok {
			room = make(map[*Subscriber]struct{})
			h.rooms[t] = room
		}
		room[s] = struct{}{}
	}
	h.mu.Unlock()

	go h.writeLoop(s)
	logrus.Debugf("[WS] Connection joined %v", topics)
	return s
}

// Leave removes the subscriber from its rooms and stops its writer. It is
// safe to call more than once.
func (h *Hub) Leave(s *Subscriber) {
	s.once.Do(func() {
		h.mu.Lock()
		for _, t := range s.topics {
			room := h.rooms[t]
			delete(room, s)
			if len(room) == 0 {
				delete(h.rooms, t)
			}
		}
		h.mu.Unlock()
		close(s.done)
		logrus.Debug("[WS] Connection left")
	})
}

func (h *Hub) writeLoop(s *Subscriber) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logrus.Debugf("[WS] Write error: %v", err)
				h.Leave(s)
				_ = s.conn.Close()
				return
			}
		}
	}
}

// Subscribers returns how many connections are in a room.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

// Publish delivers the event to local subscribers of topic and, when a
// broker is configured, to the other processes.
func (h *Hub) Publish(ctx context.Context, topic string, event realtime.Event) error {
	h.deliver(topic, event)

	if h.broker == nil {
		return nil
	}
	data, err := json.Marshal(envelope{SenderID: h.serverID, Topic: topic, Event: event})
	if err != nil {
		return err
	}
	if err := h.broker.Publish(ctx, broadcastChannel, data); err != nil {
		metrics.RealtimePublished.WithLabelValues("broker", "error").Inc()
		return err
	}
	metrics.RealtimePublished.WithLabelValues("broker", "ok").Inc()
	return nil
}

func (h *Hub) deliver(topic string, event realtime.Event) {
	data, err := json.Marshal(Frame{Topic: topic, Event: event})
	if err != nil {
		logrus.Errorf("[WS] Marshal error: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[topic] {
		select {
		case s.send <- data:
			metrics.RealtimePublished.WithLabelValues("local", "ok").Inc()
		default:
			metrics.RealtimePublished.WithLabelValues("local", "dropped").Inc()
		}
	}
}

// Run consumes events published by other processes until ctx is cancelled.
// Without a broker it returns immediately.
func (h *Hub) Run(ctx context.Context) {
	if h.broker == nil {
		return
	}
	logrus.Info("[WS] Starting Valkey Pub/Sub subscriber for distributed events")

	delay := time.Second
	for ctx.Err() == nil {
		err := h.broker.Subscribe(ctx, broadcastChannel, h.receive)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return
		}
		logrus.Errorf("[WS] Valkey subscriber failed, retrying in %s: %v", delay, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}

func (h *Hub) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logrus.Debugf("[WS] Ignoring malformed broadcast: %v", err)
		return
	}
	// Loop guard: this process already delivered its own events.
	if env.SenderID == h.serverID {
		return
	}
	h.deliver(env.Topic, env.Event)
}
