// Package feed exposes engine events over a local WebSocket endpoint.
//
// UI shells subscribe to ws://addr/ws and receive a JSON message for
// every connectivity transition, queue change, and sync pass, instead
// of polling the client facade.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/taskdeck/offsync/internal/bus"
	"github.com/taskdeck/offsync/internal/connectivity"
	"github.com/taskdeck/offsync/internal/coordinator"
	"github.com/taskdeck/offsync/internal/queue"
)

// Message is the JSON frame sent to feed subscribers. Topic mirrors the
// internal bus topic the event came from.
type Message struct {
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Server bridges the event bus to WebSocket subscribers.
type Server struct {
	addr     string
	bus      *bus.Bus
	logger   *log.Logger
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tokens []bus.Token
}

// NewServer creates a feed server bound to addr. If logger is nil, a
// default logger writing to stderr is used.
func NewServer(addr string, b *bus.Bus, logger *log.Logger) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("addr cannot be empty")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		bus:       b,
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start binds the listener, subscribes to the engine topics, and begins
// serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	for _, topic := range []bus.Topic{
		connectivity.TopicChanged,
		queue.TopicChanged,
		coordinator.TopicStarted,
		coordinator.TopicCompleted,
		coordinator.TopicRemapped,
	} {
		topic := topic
		s.tokens = append(s.tokens, s.bus.Subscribe(topic, func(payload any) {
			s.enqueueEvent(topic, payload)
		}))
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Feed listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Feed server error: %v", err)
		}
	}()

	return nil
}

// Stop unsubscribes from the bus, closes every client, and shuts the
// HTTP server down.
func (s *Server) Stop() error {
	for _, tok := range s.tokens {
		s.bus.Unsubscribe(tok)
	}
	s.tokens = nil

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("feed shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound address, useful when addr was ":0".
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected subscribers.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// enqueueEvent converts a bus payload into a feed message. Events are
// dropped rather than blocking the publisher when the channel is full.
func (s *Server) enqueueEvent(topic bus.Topic, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Printf("Failed to encode %s event: %v", topic, err)
		return
	}

	msg := Message{Topic: string(topic), Timestamp: time.Now().UTC(), Data: data}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("Feed backlog full, dropping %s event", topic)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal feed message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Feed subscriber connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop drains client frames (which are ignored) and detects
// disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Feed subscriber disconnected (total: %d)", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
