package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/history"
	"switchboard/internal/logger"
	"switchboard/internal/metrics"
	"switchboard/internal/registry"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultAddress        = ":8080"
	DefaultWriteTimeout   = 10 * time.Second
	DefaultPingInterval   = 30 * time.Second
	DefaultMaxMessageSize = 1 << 20

	clientIDHeader = "X-Client-ID"
	clientIDQuery  = "client_id"
)

type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Address        string        `mapstructure:"address"`
	QueueCapacity  int           `mapstructure:"queue_capacity"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	// AllowedOrigins lists browser origins allowed to upgrade. Empty allows
	// any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Enabled:        true,
		Address:        DefaultAddress,
		WriteTimeout:   DefaultWriteTimeout,
		PingInterval:   DefaultPingInterval,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return fmt.Errorf("gateway address is required")
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("gateway queue_capacity must be >= 0")
	}
	if c.WriteTimeout < 0 || c.PingInterval < 0 {
		return fmt.Errorf("gateway timeouts must be >= 0")
	}
	return nil
}

// Submitter accepts a message from a connected client.
type Submitter interface {
	Submit(ctx context.Context, sender, receiver domain.ClientID, payload []byte) (int64, error)
}

type Deps struct {
	Registry  *registry.Registry
	Submitter Submitter
	// History may be nil, in which case /history answers 503.
	History  history.Reader
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Server terminates client websockets and serves the HTTP side endpoints.
type Server struct {
	cfg       Config
	registry  *registry.Registry
	submitter Submitter
	history   history.Reader
	gatherer  prometheus.Gatherer
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	upgrader  websocket.Upgrader

	http *http.Server

	mu      sync.Mutex
	ln      net.Listener
	sockets map[*websocket.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:       cfg,
		registry:  deps.Registry,
		submitter: deps.Submitter,
		history:   deps.History,
		gatherer:  deps.Gatherer,
		metrics:   metrics.OrNew(deps.Metrics),
		logger:    logger.OrNop(deps.Logger).With(zap.String("component", "gateway")),
		tracer:    otel.Tracer("switchboard/gateway"),
		sockets:   make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/history", s.serveHistory)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Start listens and serves until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return http.ErrServerClosed
	}
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting, disconnects every websocket and waits for their
// teardown to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sockets := make([]*websocket.Conn, 0, len(s.sockets))
	for ws := range s.sockets {
		sockets = append(sockets, ws)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	for _, ws := range sockets {
		_ = ws.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) track(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sockets[ws] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.sockets, ws)
	s.mu.Unlock()
	s.wg.Done()
}
