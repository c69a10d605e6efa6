package transport

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/zerotrace/message"
)

// drainLimit caps how many queued messages one /get_messages call returns.
const drainLimit = 100

// InboundRouter consumes inbound wire messages; the routing engine
// implements it.
type InboundRouter interface {
	HandleInbound(ctx context.Context, w *message.Wire) error
}

// QueueDrainer hands out and removes queued messages for a recipient.
type QueueDrainer interface {
	DrainForward(ctx context.Context, recipientID string, limit int) ([]message.Wire, error)
}

// DHTBackend serves the DHT RPC surface. Key and value bytes are already
// hex-decoded by the server.
type DHTBackend interface {
	SelfNodeID() string
	AddPeer(ctx context.Context, nodeID, host string, port int) error
	StoreValue(ctx context.Context, value []byte) error
	LookupValue(ctx context.Context, key []byte) ([]byte, []NodeRef, error)
	ClosestNodes(ctx context.Context, target []byte) ([]NodeRef, error)
}

// ServerConfig holds the listen endpoint and HTTP deadlines.
type ServerConfig struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig binds loopback on the protocol's customary port.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "127.0.0.1",
		Port:         8970,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server exposes the wire endpoints on a loopback port. It is reachable
// from other nodes only through the overlay's inbound tunnel.
type Server struct {
	cfg    *ServerConfig
	router InboundRouter
	queue  QueueDrainer
	dht    DHTBackend
	log    *logrus.Entry

	httpServer *http.Server
}

// NewServer wires the HTTP surface to its collaborators. dht may be nil
// until the DHT is attached; its endpoints answer 503 in the meantime.
func NewServer(cfg *ServerConfig, router InboundRouter, queue QueueDrainer, dht DHTBackend) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	return &Server{
		cfg:    cfg,
		router: router,
		queue:  queue,
		dht:    dht,
		log: logrus.WithFields(logrus.Fields{
			"package": "transport",
			"bind":    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		}),
	}
}

// AttachDHT sets the DHT backend after construction. Not safe to call once
// the server is started.
func (s *Server) AttachDHT(dht DHTBackend) { s.dht = dht }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/get_messages/{identifier}", s.handleGetMessages).Methods(http.MethodPost)
	r.HandleFunc("/id", s.handleID).Methods(http.MethodGet)
	r.HandleFunc("/bootstrap", s.handleBootstrap).Methods(http.MethodPost)
	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodPost)
	r.HandleFunc("/set", s.handleSet).Methods(http.MethodPost)
	r.HandleFunc("/find_value", s.handleFindValue).Methods(http.MethodPost)
	r.HandleFunc("/find_node", s.handleFindNode).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start begins serving. It returns once the listener is bound; serve errors
// after that are logged.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()

	s.log.Info("wire server listening")
	return nil
}

// Shutdown drains in-flight requests and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleSend accepts a wire message. Malformed bodies get 400, and an error
// returned by the routing engine (storage, randomness) gets 500; everything
// else answers 200 with {"status":"OK"} no matter what the routing engine
// decided, so cryptographic failures leave no trace in the status code.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var msg message.Wire
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResponseBytes)).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := msg.Validate(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := s.router.HandleInbound(r.Context(), &msg); err != nil {
		s.log.WithError(err).Error("inbound handling failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, statusResponse{Status: "OK"})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]
	if len(identifier) != message.IdentifierLength {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msgs, err := s.queue.DrainForward(r.Context(), identifier, drainLimit)
	if err != nil {
		s.log.WithError(err).Error("forward queue drain failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []message.Wire{}
	}
	writeJSON(w, messagesResponse{Messages: msgs})
}

func (s *Server) handleID(w http.ResponseWriter, _ *http.Request) {
	if s.dht == nil {
		http.Error(w, "dht unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, idResponse{ID: s.dht.SelfNodeID()})
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if s.dht == nil {
		http.Error(w, "dht unavailable", http.StatusServiceUnavailable)
		return
	}
	var req bootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.dht.AddPeer(r.Context(), req.NodeID, req.IP, req.Port); err != nil {
		writeJSON(w, okResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, okResponse{OK: true})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if s.dht == nil {
		http.Error(w, "dht unavailable", http.StatusServiceUnavailable)
		return
	}
	var req pingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	writeJSON(w, okResponse{OK: true})
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	if s.dht == nil {
		http.Error(w, "dht unavailable", http.StatusServiceUnavailable)
		return
	}
	var req storeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxResponseBytes)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	value, err := hex.DecodeString(req.Value)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.dht.StoreValue(r.Context(), value); err != nil {
		writeJSON(w, okResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, okResponse{OK: true})
}

func (s *Server) handleFindValue(w http.ResponseWriter, r *http.Request) {
	if s.dht == nil {
		http.Error(w, "dht unavailable", http.StatusServiceUnavailable)
		return
	}
	key, ok := s.decodeFindRequest(w, r)
	if !ok {
		return
	}

	value, nodes, err := s.dht.LookupValue(r.Context(), key)
	if err != nil {
		s.log.WithError(err).Error("find_value failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if value != nil {
		writeJSON(w, findValueResponse{Value: hex.EncodeToString(value)})
		return
	}
	writeJSON(w, findValueResponse{Nodes: nodes})
}

func (s *Server) handleFindNode(w http.ResponseWriter, r *http.Request) {
	if s.dht == nil {
		http.Error(w, "dht unavailable", http.StatusServiceUnavailable)
		return
	}
	target, ok := s.decodeFindRequest(w, r)
	if !ok {
		return
	}

	nodes, err := s.dht.ClosestNodes(r.Context(), target)
	if err != nil {
		s.log.WithError(err).Error("find_node failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		nodes = []NodeRef{}
	}
	writeJSON(w, findNodeResponse{Nodes: nodes})
}

func (s *Server) decodeFindRequest(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var req findRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}
	key, err := hex.DecodeString(req.Key)
	if err != nil || len(key) != 32 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return nil, false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("response encode failed")
	}
}
