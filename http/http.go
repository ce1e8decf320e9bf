package http

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/chzchzchz/emgrx/flex"
	"github.com/chzchzchz/emgrx/sink"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const writeWait = time.Second

// Monitor is a flex.Sink that serves the latest round and per-arm status
// over HTTP and pushes every round to websocket clients.
type Monitor struct {
	Run      string
	Bits     map[string]uint8
	sessions []*flex.Session
	tmpl     *template.Template

	mu      sync.Mutex
	last    *sink.RoundMessage
	clients map[chan []byte]struct{}
}

func NewMonitor(run string, bits map[string]uint8, sessions ...*flex.Session) *Monitor {
	return &Monitor{
		Run:      run,
		Bits:     bits,
		sessions: sessions,
		tmpl:     template.Must(template.New("index").Parse(indexTmplStr)),
		clients:  make(map[chan []byte]struct{}),
	}
}

// Emit records r and fans it out. Clients that fall behind lose rounds.
func (m *Monitor) Emit(_ context.Context, r flex.Round) error {
	msg := sink.NewRoundMessage(m.Run, r, m.Bits)
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last = &msg
	for c := range m.clients {
		select {
		case c <- payload:
		default:
		}
	}
	return nil
}

type Status struct {
	Run      string             `json:"run,omitempty"`
	Sessions []flex.Status      `json:"sessions"`
	Last     *sink.RoundMessage `json:"last,omitempty"`
}

func (m *Monitor) Status() Status {
	st := Status{Run: m.Run, Sessions: make([]flex.Status, len(m.sessions))}
	for i, s := range m.sessions {
		st.Sessions[i] = s.Status()
	}
	m.mu.Lock()
	st.Last = m.last
	m.mu.Unlock()
	return st
}

func (m *Monitor) subscribe() (chan []byte, []byte) {
	c := make(chan []byte, 16)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[c] = struct{}{}
	if m.last == nil {
		return c, nil
	}
	payload, _ := json.Marshal(m.last)
	return c, payload
}

func (m *Monitor) unsubscribe(c chan []byte) {
	m.mu.Lock()
	delete(m.clients, c)
	m.mu.Unlock()
}

func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade")
		return
	}
	defer conn.Close()
	c, first := m.subscribe()
	defer m.unsubscribe(c)

	// reads only detect the peer going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(payload []byte) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}
	if first != nil && !send(first) {
		return
	}
	for {
		select {
		case payload := <-c:
			if !send(payload) {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (m *Monitor) handleStatus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.Status()); err != nil {
		io.WriteString(w, err.Error())
	}
}

func (m *Monitor) handleIndex(w http.ResponseWriter) {
	if err := m.tmpl.Execute(w, m.Status()); err != nil {
		io.WriteString(w, err.Error())
	}
}

func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch r.URL.Path {
	case "/api/ws":
		m.handleWS(w, r)
	case "/api/status":
		m.handleStatus(w)
	case "/":
		m.handleIndex(w)
	default:
		http.NotFound(w, r)
	}
}

func ServeHttp(m *Monitor, serv string) error {
	return http.ListenAndServe(serv, m)
}
