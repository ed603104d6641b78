// Package notify implements the notification sink external collaborator:
// a leadership-change callback plus a best-effort business-event
// broadcast, both fired outside any core lock.
package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Logger is the minimal Sink: it just logs. Always safe to wire in even
// when no dashboard client is attached.
type Logger struct {
	log *logrus.Entry
}

func NewLogger(log *logrus.Entry) *Logger {
	return &Logger{log: log.WithField("component", "notify")}
}

func (l *Logger) OnLeaderChange(newLeaderID int, term uint64) {
	l.log.WithFields(logrus.Fields{"new_leader": newLeaderID, "term": term}).Info("leadership changed")
}

func (l *Logger) BroadcastBusinessEvent(kind string, detail string) {
	l.log.WithFields(logrus.Fields{"event": kind, "detail": detail}).Info("business event")
}

// Event is one message pushed to connected dashboard clients.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Hub fans out leadership-change and business-event notifications to every
// connected websocket client. A dropped or slow client never blocks the
// core: broadcasts are buffered and best-effort.
type Hub struct {
	log        *logrus.Entry
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		log:        log.WithField("component", "notify"),
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives the hub's event loop. Intended to run in its own goroutine for
// the lifetime of the process.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if err := c.WriteJSON(event); err != nil {
					h.log.WithError(err).Debug("dashboard client write failed, dropping")
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades a connection and registers it with the hub; intended to
// be mounted as an HTTP handler by cmd/clusternode.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("dashboard websocket upgrade failed")
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) OnLeaderChange(newLeaderID int, term uint64) {
	h.enqueue(Event{Type: "leader_change", Timestamp: time.Now(), Data: map[string]any{
		"new_leader": newLeaderID, "term": term,
	}})
}

func (h *Hub) BroadcastBusinessEvent(kind string, detail string) {
	h.enqueue(Event{Type: "business_event", Timestamp: time.Now(), Data: map[string]any{
		"kind": kind, "detail": detail,
	}})
}

func (h *Hub) enqueue(e Event) {
	select {
	case h.broadcast <- e:
	default:
		h.log.Warn("dashboard broadcast channel full, event dropped")
	}
}

// MultiSink fans a single leadership-change event out to several sinks, so
// e.g. a Logger and a Hub can both be wired without the core knowing there
// is more than one consumer.
type MultiSink struct {
	sinks []interface {
		OnLeaderChange(int, uint64)
	}
}

func NewMultiSink(sinks ...interface{ OnLeaderChange(int, uint64) }) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) OnLeaderChange(newLeaderID int, term uint64) {
	for _, s := range m.sinks {
		s.OnLeaderChange(newLeaderID, term)
	}
}
