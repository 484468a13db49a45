// Package server implements the document sync server: an HTTP API for
// document snapshots plus a websocket endpoint carrying the per-document
// operation and presence streams. Instances coordinate through the store's
// compare-and-set versioning and an optional Redis broker for fanout.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"freelancehub/collab/protocol"
	"freelancehub/collab/store"
)

// Config configures a Server.
type Config struct {
	Store store.Store
	// Broker, when set, relays channel traffic to the other server nodes.
	Broker *Broker
	// AuthToken, when set, is required as a bearer token on every request.
	AuthToken string
	Logger    *slog.Logger
}

// Server is one sync server node.
type Server struct {
	cfg      Config
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	channels map[string]map[*conn]bool
	joined   map[*conn]map[string]bool
}

func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("server: Store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		hub:    NewHub(cfg.Store, cfg.Logger),
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		channels: make(map[string]map[*conn]bool),
		joined:   make(map[*conn]map[string]bool),
	}
	if cfg.Broker != nil {
		cfg.Broker.deliver = s.deliverRemote
	}
	return s, nil
}

// Router builds the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/documents", s.handleCreateDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", s.handleGetDocument).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS)
	return r
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == s.cfg.AuthToken
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createDocumentRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if err := s.cfg.Store.Create(r.Context(), req.ID, req.Content); err != nil {
		if errors.Is(err, store.ErrExists) {
			http.Error(w, "document exists", http.StatusConflict)
			return
		}
		s.logger.Error("create document failed", "doc", req.ID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("document created", "doc", req.ID)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	doc, err := s.cfg.Store.Fetch(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("fetch document failed", "doc", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(doc)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	clientID := r.Header.Get("X-Client-ID")
	if clientID == "" {
		clientID = r.URL.Query().Get("clientId")
	}
	if clientID == "" {
		http.Error(w, "client id is required", http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "err", err)
		return
	}
	c := newConn(s, ws, clientID)
	c.logger.Info("connected")
	go c.writePump()
	go c.readPump()
}

// route dispatches one inbound envelope. rawFrame is the frame as received
// so presence traffic can be relayed without re-encoding.
func (s *Server) route(c *conn, env protocol.Envelope, rawFrame []byte) {
	switch env.Event {
	case protocol.EventChannelJoin:
		s.join(c, env.Channel)
	case protocol.EventChannelLeave:
		s.leave(c, env.Channel)
	case protocol.EventOpSubmit:
		s.handleSubmit(c, env)
	case protocol.EventPresence, protocol.EventPresenceJoin, protocol.EventPresenceLeave:
		s.relay(c, env.Channel, rawFrame)
	default:
		c.logger.Warn("unknown event", "event", env.Event)
	}
}

func (s *Server) handleSubmit(c *conn, env protocol.Envelope) {
	var sub protocol.OpSubmit
	if err := json.Unmarshal(env.Payload, &sub); err != nil {
		c.logger.Warn("bad submit payload", "err", err)
		return
	}
	sub.ClientID = c.clientID // the socket identity wins over the payload

	// Acks and broadcasts for accepted operations are enqueued inside the
	// hub's per-document critical section. Doing it after Submit returns
	// would let a concurrent submission slip its broadcast in first and
	// subscribers would see version N+1 before N.
	delivered := false
	ack, _, err := s.hub.Submit(context.Background(), sub, func(ack protocol.OpAck, bcast protocol.OpBroadcast) {
		delivered = true
		if frame, err := protocol.Encode(env.Channel, protocol.EventOpAck, ack); err == nil {
			c.enqueue(frame)
		}
		frame, err := protocol.Encode(env.Channel, protocol.EventOpBroadcast, bcast)
		if err != nil {
			c.logger.Error("encode broadcast failed", "err", err)
			return
		}
		s.fanout(env.Channel, frame, nil)
		s.publishRemote(env.Channel, frame)
		s.logger.Debug("op accepted",
			"doc", sub.DocID, "client", sub.ClientID, "version", bcast.Version)
	})
	if delivered {
		return
	}
	if err != nil {
		c.logger.Error("submit failed", "doc", sub.DocID, "err", err)
		ack.Conflict = true
	}
	if frame, err := protocol.Encode(env.Channel, protocol.EventOpAck, ack); err == nil {
		c.enqueue(frame)
	}
}

// relay forwards presence traffic verbatim to everyone else on the channel
// and to the other nodes.
func (s *Server) relay(c *conn, channel string, frame []byte) {
	s.fanout(channel, frame, c)
	s.publishRemote(channel, frame)
}

func (s *Server) publishRemote(channel string, frame []byte) {
	if s.cfg.Broker == nil {
		return
	}
	if err := s.cfg.Broker.Publish(context.Background(), channel, frame); err != nil {
		s.logger.Warn("broker publish failed", "channel", channel, "err", err)
	}
}

// deliverRemote hands a frame received from another node to the local
// subscribers of its channel.
func (s *Server) deliverRemote(channel string, frame []byte) {
	s.fanout(channel, frame, nil)
}

func (s *Server) join(c *conn, channel string) {
	if channel == "" {
		return
	}
	s.mu.Lock()
	if s.channels[channel] == nil {
		s.channels[channel] = make(map[*conn]bool)
	}
	s.channels[channel][c] = true
	if s.joined[c] == nil {
		s.joined[c] = make(map[string]bool)
	}
	s.joined[c][channel] = true
	n := len(s.channels[channel])
	s.mu.Unlock()
	c.logger.Info("joined channel", "channel", channel, "subscribers", n)
}

func (s *Server) leave(c *conn, channel string) {
	s.mu.Lock()
	delete(s.channels[channel], c)
	if len(s.channels[channel]) == 0 {
		delete(s.channels, channel)
	}
	delete(s.joined[c], channel)
	s.mu.Unlock()
	c.logger.Info("left channel", "channel", channel)
}

// dropConn removes a dead connection from every channel it had joined and
// announces its departure so collaborator lists do not wait out the
// liveness timeout.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	channels := make([]string, 0, len(s.joined[c]))
	for ch := range s.joined[c] {
		channels = append(channels, ch)
		delete(s.channels[ch], c)
		if len(s.channels[ch]) == 0 {
			delete(s.channels, ch)
		}
	}
	delete(s.joined, c)
	s.mu.Unlock()

	for _, ch := range channels {
		docID := strings.TrimPrefix(ch, "doc:")
		leave := protocol.PresenceLeave{DocID: docID, UserID: c.clientID}
		if frame, err := protocol.Encode(ch, protocol.EventPresenceLeave, leave); err == nil {
			s.fanout(ch, frame, nil)
			s.publishRemote(ch, frame)
		}
	}
	c.logger.Info("disconnected")
}

// fanout sends a frame to every local subscriber of a channel except skip.
func (s *Server) fanout(channel string, frame []byte, skip *conn) {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.channels[channel]))
	for c := range s.channels[channel] {
		if c != skip {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.enqueue(frame)
	}
}
