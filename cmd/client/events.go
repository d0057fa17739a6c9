package main

import (
	"net/http"
	"sync"
	"time"

	"corelink/connection"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	eventBufferSize  = 64
	eventWriteWait   = 5 * time.Second
	eventPingPeriod  = 30 * time.Second
	eventPongTimeout = 2 * eventPingPeriod
)

type eventMessage struct {
	Type      string `json:"type"`
	Time      string `json:"time"`
	State     string `json:"state,omitempty"`
	Text      string `json:"text,omitempty"`
	Duration  int64  `json:"duration_ms,omitempty"`
	Node      string `json:"node,omitempty"`
	LatencyMS *int   `json:"latency_ms,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Method    string `json:"method,omitempty"`
}

// eventHub fans controller events out to websocket subscribers. Slow
// subscribers lose events instead of stalling the controller.
type eventHub struct {
	lock   sync.Mutex
	subs   map[chan eventMessage]struct{}
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan eventMessage]struct{})}
}

func (h *eventHub) OnConnectionStateChange(state connection.State) {
	h.publish(eventMessage{Type: "state", State: state.String()})
}

func (h *eventHub) OnStatusMessage(text string, duration time.Duration) {
	h.publish(eventMessage{Type: "status", Text: text, Duration: duration.Milliseconds()})
}

func (h *eventHub) OnVpnPermissionNeeded() {
	h.publish(eventMessage{Type: "permission"})
}

func (h *eventHub) publish(msg eventMessage) {
	if msg.Time == "" {
		msg.Time = time.Now().Format(time.RFC3339Nano)
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			logrus.Debugf("[Client] event subscriber is slow, dropped %s event", msg.Type)
		}
	}
}

func (h *eventHub) subscribe() (<-chan eventMessage, func()) {
	ch := make(chan eventMessage, eventBufferSize)
	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.lock.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.lock.Lock()
			defer h.lock.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

func (h *eventHub) subscribers() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.subs)
}

func (h *eventHub) close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// serveWS streams events to one websocket client until either side goes away.
func (h *eventHub) serveWS(w http.ResponseWriter, r *http.Request, initial eventMessage) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Debugf("[Client] websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.subscribe()
	defer unsubscribe()

	// Reads only serve control frames and notice the peer leaving.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()

	if initial.Type != "" {
		if initial.Time == "" {
			initial.Time = time.Now().Format(time.RFC3339Nano)
		}
		_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
		if err := conn.WriteJSON(initial); err != nil {
			return
		}
	}
	for {
		select {
		case <-gone:
			return
		case msg, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
