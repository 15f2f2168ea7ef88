package progress

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flexmc.dev/internal/migrate"
)

// Server broadcasts per-chunk migration events to websocket observers.
// Observers are read-only; anything they send is discarded.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	out chan []byte
}

type wireEvent struct {
	Type   string `json:"type"`
	Dim    string `json:"dim"`
	X      int    `json:"x"`
	Z      int    `json:"z"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // local tool
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Record implements migrate.Recorder. Slow observers get dropped
// rather than backpressure the run.
func (s *Server) Record(ev migrate.Event) {
	b, err := json.Marshal(wireEvent{
		Type:   "CHUNK",
		Dim:    ev.Dim.String(),
		X:      ev.Pos.X,
		Z:      ev.Pos.Z,
		Status: string(ev.Status),
		Reason: ev.Reason,
	})
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.out <- b:
		default:
			close(sub.out)
			delete(s.subs, sub)
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub := &subscriber{out: make(chan []byte, 256)}
		s.mu.Lock()
		s.subs[sub] = struct{}{}
		s.mu.Unlock()
		defer s.drop(sub)

		done := make(chan struct{})
		// Reader loop only notices disconnects.
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case b, ok := <-sub.out:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "observer too slow"),
						time.Now().Add(time.Second))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) drop(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; ok {
		delete(s.subs, sub)
	}
}

// Observers reports the current subscriber count.
func (s *Server) Observers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
