package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/logger"
	"switchboard/internal/outbound"
	"switchboard/internal/registry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// inbound is the frame a client sends to submit a message.
type inbound struct {
	ReceiverID domain.ClientID `json:"receiver_id"`
	Payload    []byte          `json:"payload"`
}

func clientIDFrom(r *http.Request) (domain.ClientID, error) {
	raw := strings.TrimSpace(r.Header.Get(clientIDHeader))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get(clientIDQuery))
	}
	if raw == "" {
		return 0, fmt.Errorf("missing %s header or %s query parameter", clientIDHeader, clientIDQuery)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid client id %q", raw)
	}
	return domain.ClientID(id), nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	clientID, err := clientIDFrom(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if !s.track(ws) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	defer s.untrack(ws)

	q := outbound.New(outbound.Config{Capacity: s.cfg.QueueCapacity, Logger: s.logger, Metrics: s.metrics})
	conn := registry.NewConnection(clientID, q)
	log := s.logger.With(
		zap.Int64("client_id", int64(clientID)),
		zap.String("conn_id", conn.ID().String()))
	s.registry.Add(clientID, conn)
	log.Debug("client connected", zap.String("remote", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ws, conn, log)
	}()

	s.readLoop(ws, conn, log)

	// Close the queue before removing the handle so fan-out can never
	// enqueue into a queue that nobody drains.
	dropped := conn.Close()
	s.registry.Remove(clientID, conn)
	_ = ws.Close()
	<-writerDone
	log.Debug("client disconnected", zap.Int("dropped", dropped))
}

// writeLoop drains the connection queue to the socket and keeps the peer
// alive with pings. It is the only writer of data frames on ws.
func (s *Server) writeLoop(ws *websocket.Conn, conn *registry.Connection, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
					log.Debug("ping failed", zap.Error(err))
					_ = ws.Close()
					return
				}
			}
		}
	}()

	err := conn.Queue().Drain(ctx, s.tracedWriter(func(_ context.Context, n domain.Notification) error {
		if err := ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
		return ws.WriteJSON(n)
	}))
	if errors.Is(err, outbound.ErrClosed) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(s.cfg.WriteTimeout))
		return
	}
	log.Debug("write failed", zap.Error(err))
	// Unblocks the read loop, which owns teardown.
	_ = ws.Close()
}

// tracedWriter runs write under a span that continues the trace the
// notification was enqueued with.
func (s *Server) tracedWriter(write outbound.WriterFunc) outbound.WriterFunc {
	return func(ctx context.Context, n domain.Notification) error {
		ctx, span := s.tracer.Start(ctx, "deliver",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.Int64("message.id", n.MessageID)))
		defer span.End()
		if err := write(ctx, n); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write")
			return err
		}
		return nil
	}
}

func (s *Server) readLoop(ws *websocket.Conn, conn *registry.Connection, log *zap.Logger) {
	pongWait := 2 * s.cfg.PingInterval
	ws.SetReadLimit(s.cfg.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Debug("read deadline exceeded")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		s.handleFrame(conn.ClientID(), data, log)
	}
}

func (s *Server) handleFrame(sender domain.ClientID, data []byte, log *zap.Logger) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil || in.ReceiverID == 0 {
		s.metrics.GatewaySubmits.WithLabelValues("invalid").Inc()
		log.Debug("ignoring invalid frame", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(logger.NewContextWithLogger(context.Background(), log), s.cfg.WriteTimeout)
	defer cancel()
	id, err := s.submitter.Submit(ctx, sender, in.ReceiverID, in.Payload)
	if err != nil {
		s.metrics.GatewaySubmits.WithLabelValues("error").Inc()
		log.Warn("submit failed",
			zap.Int64("receiver_id", int64(in.ReceiverID)),
			zap.Error(err))
		return
	}
	s.metrics.GatewaySubmits.WithLabelValues("ok").Inc()
	log.Debug("submitted", zap.Int64("message_id", id))
}

func originChecker(allowlist []string) func(*http.Request) bool {
	if len(allowlist) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, origin := range allowlist {
		u, err := url.Parse(strings.TrimSpace(origin))
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		allowed[strings.ToLower(u.Scheme+"://"+u.Host)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients send no Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
