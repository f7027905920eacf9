package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spores/internal/dynamics"
	"spores/internal/graph"
)

const (
	MessageSnapshot = "snapshot"
	MessageRun      = "run"
	MessageError    = "error"

	writeTimeout = 5 * time.Second
)

// Message is the envelope for everything sent over /ws.
type Message struct {
	Type  string          `json:"type"`
	RunID string          `json:"run_id,omitempty"`
	Graph *graph.Document `json:"graph,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Command is what viewers may send: a request for a new run from Root.
type Command struct {
	Type       string     `json:"type"`
	Root       [2]float64 `json:"root"`
	Optimize   bool       `json:"optimize"`
	Accumulate bool       `json:"accumulate"`
}

// RunFunc starts a run on behalf of a viewer. Its result reaches viewers through
// Publish.
type RunFunc func(ctx context.Context, root dynamics.State, optimize, accumulate bool) error

type Config struct {
	Addr     string
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Run      RunFunc
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// Hub fans completed graphs out to websocket viewers and serves /metrics.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clientsGauge prometheus.Gauge
	messages     *prometheus.CounterVec

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  *Message

	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(cfg.Registry)
	return &Hub{
		cfg:    cfg,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clientsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "spores",
			Subsystem: "feed",
			Name:      "clients",
			Help:      "Connected websocket viewers.",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spores",
			Subsystem: "feed",
			Name:      "messages_total",
			Help:      "Messages sent to viewers by type.",
		}, []string{"type"}),
		clients: make(map[*client]struct{}),
	}
}

func (h *Hub) Name() string { return "feed" }

// Handler serves /ws, /snapshot and /metrics.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/snapshot", h.handleSnapshot)
	mux.Handle("/metrics", promhttp.HandlerFor(h.cfg.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Start listens on cfg.Addr and serves until Stop.
func (h *Hub) Start(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return errors.New("feed already started")
	}
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.cfg.Addr, err)
	}
	h.listener = ln
	h.server = &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 10 * time.Second}
	h.done = make(chan struct{})
	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("feed server stopped", "error", err)
		}
	}(h.server, h.done)
	h.logger.Info("feed listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address once started.
func (h *Hub) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv, done := h.server, h.done
	h.server, h.listener, h.done = nil, nil, nil
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}

// Publish records doc as the latest snapshot and sends it to every viewer.
func (h *Hub) Publish(runID string, doc graph.Document) {
	msg := Message{Type: MessageSnapshot, RunID: runID, Graph: &doc}
	h.mu.Lock()
	h.latest = &msg
	h.mu.Unlock()
	h.broadcast(msg)
}

// Latest returns the last published snapshot.
func (h *Hub) Latest() (Message, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return Message{}, false
	}
	return *h.latest, true
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var failed []*client
	for _, c := range targets {
		if err := c.send(msg); err != nil {
			h.logger.Warn("feed write failed", "remote", c.conn.RemoteAddr().String(), "error", err)
			failed = append(failed, c)
			continue
		}
		h.messages.WithLabelValues(msg.Type).Inc()
	}
	for _, c := range failed {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.clientsGauge.Dec()
	}
	h.mu.Unlock()
	c.conn.Close()
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.clientsGauge.Inc()
	latest := h.latest
	h.mu.Unlock()
	defer h.remove(c)

	if latest != nil {
		if err := c.send(*latest); err != nil {
			return
		}
		h.messages.WithLabelValues(latest.Type).Inc()
	}

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		h.handleCommand(r.Context(), c, cmd)
	}
}

func (h *Hub) handleCommand(ctx context.Context, c *client, cmd Command) {
	reply := func(text string) {
		if err := c.send(Message{Type: MessageError, Error: text}); err == nil {
			h.messages.WithLabelValues(MessageError).Inc()
		}
	}
	if cmd.Type != MessageRun {
		reply(fmt.Sprintf("unknown command %q", cmd.Type))
		return
	}
	if h.cfg.Run == nil {
		reply("runs are disabled on this feed")
		return
	}
	if err := h.cfg.Run(ctx, dynamics.State(cmd.Root), cmd.Optimize, cmd.Accumulate); err != nil {
		reply(err.Error())
	}
}

func (h *Hub) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	msg, ok := h.Latest()
	if !ok {
		http.Error(w, "no snapshot published", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		h.logger.Warn("snapshot encode failed", "error", err)
	}
}
