package idservice

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"switchboard/internal/idgen"
	"switchboard/internal/logger"

	"go.uber.org/zap"
)

// Generator is the identifier source served over the socket.
type Generator interface {
	Generate(count int) ([]int64, error)
	WorkerID() int64
}

type Config struct {
	Network, Address, AuthToken string

	// MaxInflight bounds unanswered requests per connection and
	// GlobalQueueLimit bounds them across the server.
	MaxInflight, GlobalQueueLimit, Workers int
	TLSConfig                              *tls.Config
}

type Server struct {
	cfg     Config
	gen     Generator
	logger  *zap.Logger
	addr    atomic.Value
	globalQ chan struct{}
	work    chan queuedRequest
	closed  atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	// connsMu also guards ln.
	connsMu sync.Mutex
	ln      net.Listener
	conns   map[*connection]struct{}
}

type queuedRequest struct {
	req     *Request
	conn    *connection
	release func()
}

type connection struct {
	c        net.Conn
	writerQ  chan *Response
	inflight chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.c.Close()
	})
}

func NewServer(cfg Config, gen Generator, log *zap.Logger) *Server {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	if cfg.GlobalQueueLimit <= 0 {
		cfg.GlobalQueueLimit = 4096
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	return &Server{
		cfg:     cfg,
		gen:     gen,
		logger:  logger.OrNop(log),
		globalQ: make(chan struct{}, cfg.GlobalQueueLimit),
		work:    make(chan queuedRequest, cfg.GlobalQueueLimit),
		done:    make(chan struct{}),
		conns:   make(map[*connection]struct{}),
	}
}

// Addr is the listening address, or "" before Start has bound it.
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Start listens and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.connsMu.Lock()
	if s.closed.Load() {
		s.connsMu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	s.connsMu.Unlock()
	s.addr.Store(ln.Addr().String())
	s.logger.Info("id service listening", zap.String("addr", ln.Addr().String()), zap.Int64("worker_id", s.gen.WorkerID()))

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.connsMu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		c.close()
	}
	s.connsMu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *Server) handleConn(raw net.Conn) {
	conn := &connection{
		c:        raw,
		writerQ:  make(chan *Response, 256),
		inflight: make(chan struct{}, s.cfg.MaxInflight),
		done:     make(chan struct{}),
	}
	s.connsMu.Lock()
	if s.closed.Load() {
		s.connsMu.Unlock()
		_ = raw.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	s.connsMu.Unlock()

	go func() { defer s.wg.Done(); s.writeLoop(conn) }()
	go func() {
		defer s.wg.Done()
		defer s.untrack(conn)
		s.readLoop(conn)
	}()
}

func (s *Server) untrack(conn *connection) {
	conn.close()
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Server) writeLoop(conn *connection) {
	w := bufio.NewWriter(conn.c)
	for {
		select {
		case <-conn.done:
			return
		case res := <-conn.writerQ:
			payload, err := MarshalMessage(res)
			if err != nil {
				s.logger.Error("marshal response", zap.Error(err))
				continue
			}
			if err := WriteFrame(w, payload); err != nil {
				conn.close()
				return
			}
			if err := w.Flush(); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (s *Server) readLoop(conn *connection) {
	r := bufio.NewReader(conn.c)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		req, err := UnmarshalRequest(payload)
		if err != nil {
			s.send(conn, &Response{ErrorCode: int32(ErrorCodeBadRequest), ErrorMessage: err.Error()})
			continue
		}
		if err := ValidateRequest(req); err != nil {
			s.send(conn, errorResponse(req, ErrorCodeBadRequest, err.Error()))
			continue
		}
		if s.cfg.AuthToken != "" && req.AuthToken != s.cfg.AuthToken {
			s.send(conn, errorResponse(req, ErrorCodeUnauthenticated, "invalid auth token"))
			continue
		}

		select {
		case conn.inflight <- struct{}{}:
		default:
			s.send(conn, errorResponse(req, ErrorCodeOverloaded, "connection inflight limit exceeded"))
			continue
		}
		releaseInflight := func() { <-conn.inflight }
		select {
		case s.globalQ <- struct{}{}:
		default:
			releaseInflight()
			s.send(conn, errorResponse(req, ErrorCodeOverloaded, "server queue overloaded"))
			continue
		}

		qr := queuedRequest{req: req, conn: conn, release: func() { <-s.globalQ; releaseInflight() }}
		select {
		case s.work <- qr:
		case <-s.done:
			qr.release()
			return
		}
	}
}

func (s *Server) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case qr := <-s.work:
			res := s.handleRequest(qr.req)
			qr.release()
			s.send(qr.conn, res)
		}
	}
}

// send never blocks; a response for a closed or saturated connection is
// dropped and the client times out.
func (s *Server) send(conn *connection, res *Response) {
	select {
	case conn.writerQ <- res:
	case <-conn.done:
	default:
		s.logger.Warn("dropping response, writer queue full", zap.String("request_id", res.RequestId))
	}
}

func (s *Server) handleRequest(req *Request) *Response {
	res := &Response{RequestId: req.RequestId, ErrorCode: int32(ErrorCodeOK)}
	switch Operation(req.Operation) {
	case OperationPing:
		res.Pong = &PongResponse{UnixTimeNs: time.Now().UTC().UnixNano()}
	case OperationHealth:
		res.Health = &HealthResponse{Ok: !s.closed.Load(), Message: "serving"}
	case OperationGenerate:
		ids, err := s.gen.Generate(int(req.Generate.Count))
		switch {
		case errors.Is(err, idgen.ErrClockRegression):
			s.logger.Warn("generate failed", zap.Error(err))
			return errorResponse(req, ErrorCodeUnavailable, err.Error())
		case errors.Is(err, idgen.ErrInvalidCount):
			return errorResponse(req, ErrorCodeBadRequest, err.Error())
		case err != nil:
			s.logger.Error("generate failed", zap.Error(err))
			return errorResponse(req, ErrorCodeInternal, err.Error())
		}
		res.Generate = &GenerateResponse{Ids: ids, WorkerId: s.gen.WorkerID()}
	default:
		return errorResponse(req, ErrorCodeBadRequest, "unknown operation")
	}
	return res
}

func errorResponse(req *Request, code ErrorCode, msg string) *Response {
	return &Response{RequestId: req.RequestId, ErrorCode: int32(code), ErrorMessage: msg}
}
