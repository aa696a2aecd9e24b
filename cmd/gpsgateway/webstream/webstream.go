// Package webstream fans EventBus events out over nhooyr.io/websocket to
// connected operator dashboards (spec.md §9's "informational only"
// supplemented feature). Connection handling follows the teacher's
// internal/webapp/tracker/webstream package, generalized from an
// authenticated device-location stream into an unauthenticated,
// best-effort operator event feed.
package webstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"nuha.dev/gpsgateway/internal/eventbus"
)

// Server accepts websocket connections and pushes every EventBus event to
// each connected client, best-effort.
type Server struct {
	bus  *eventbus.Bus
	log  log.Logger
	addr string

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	out  chan []byte
}

type envelope struct {
	Topic string      `json:"topic"`
	Data  interface{} `json:"data"`
}

// New builds a webstream Server bound to addr, subscribing to every topic
// in eventbus.Topics.
func New(addr string, bus *eventbus.Bus) *Server {
	s := &Server{bus: bus, addr: addr, clients: make(map[*client]struct{})}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "webstream").Value()
	for _, topic := range eventbus.Topics {
		topic := topic
		bus.Subscribe(topic, func(ctx context.Context, data interface{}) {
			s.broadcast(topic, data)
		})
	}
	return s
}

// Run starts the HTTP server. Call in a goroutine.
func (s *Server) Run() error {
	srv := &http.Server{
		Addr:           s.addr,
		Handler:        http.HandlerFunc(s.serveHTTP),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	s.log.Info().Str("addr", s.addr).Msg("starting webstream server")
	return srv.ListenAndServe()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{conn: conn, out: make(chan []byte, 64)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-c.out:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// broadcast is purely observational: a slow or disconnected client only
// drops messages (best-effort, non-blocking), never delays event delivery
// to other clients or to the publisher.
func (s *Server) broadcast(topic string, data interface{}) {
	payload, err := json.Marshal(envelope{Topic: topic, Data: data})
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.out <- payload:
		default:
		}
	}
}
