package idservice

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"switchboard/internal/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResponseError is a non-OK response from the server.
type ResponseError struct {
	Code    ErrorCode
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("id service: %s: %s", e.Code, e.Message)
}

type ClientConfig struct {
	Network, Address, AuthToken string

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	MaxRetries     uint64
	RetryInitial   time.Duration
	RetryMax       time.Duration
	TLSConfig      *tls.Config
}

func (c *ClientConfig) withDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 5 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 500 * time.Millisecond
	}
}

// Client issues requests over one persistent connection, one at a time.
// Transport failures and retryable response codes are retried with
// exponential backoff; the connection is redialed as needed.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func NewClient(cfg ClientConfig, log *zap.Logger) *Client {
	cfg.withDefaults()
	return &Client{cfg: cfg, logger: logger.OrNop(log)}
}

func (c *Client) Generate(ctx context.Context, count int) ([]int64, error) {
	res, err := c.do(ctx, &Request{Operation: int32(OperationGenerate), Generate: &GenerateRequest{Count: int32(count)}})
	if err != nil {
		return nil, err
	}
	if res.Generate == nil || len(res.Generate.Ids) != count {
		return nil, fmt.Errorf("id service: expected %d ids in response", count)
	}
	return res.Generate.Ids, nil
}

func (c *Client) Ping(ctx context.Context) (time.Time, error) {
	res, err := c.do(ctx, &Request{Operation: int32(OperationPing)})
	if err != nil {
		return time.Time{}, err
	}
	if res.Pong == nil {
		return time.Time{}, errors.New("id service: empty pong")
	}
	return time.Unix(0, res.Pong.UnixTimeNs).UTC(), nil
}

func (c *Client) Health(ctx context.Context) (bool, string, error) {
	res, err := c.do(ctx, &Request{Operation: int32(OperationHealth)})
	if err != nil {
		return false, "", err
	}
	if res.Health == nil {
		return false, "", errors.New("id service: empty health response")
	}
	return res.Health.Ok, res.Health.Message, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetLocked()
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	req.AuthToken = c.cfg.AuthToken
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitial
	bo.MaxInterval = c.cfg.RetryMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	var res *Response
	op := func() error {
		req.RequestId = uuid.NewString()
		out, err := c.roundTrip(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if code := ErrorCode(out.ErrorCode); code != ErrorCodeOK {
			rerr := &ResponseError{Code: code, Message: out.ErrorMessage}
			if !code.Retryable() {
				return backoff.Permanent(rerr)
			}
			return rerr
		}
		res = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying id service request", zap.Error(err), zap.Duration("wait", wait))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	payload, err := MarshalMessage(req)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			return nil, err
		}
	}

	deadline := time.Now().Add(c.cfg.RequestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)

	if err := WriteFrame(c.conn, payload); err != nil {
		_ = c.resetLocked()
		return nil, err
	}
	frame, err := ReadFrame(c.r)
	if err != nil {
		_ = c.resetLocked()
		return nil, err
	}
	res, err := UnmarshalResponse(frame)
	if err != nil {
		_ = c.resetLocked()
		return nil, err
	}
	if res.RequestId != "" && res.RequestId != req.RequestId {
		_ = c.resetLocked()
		return nil, fmt.Errorf("id service: response for %q, want %q", res.RequestId, req.RequestId)
	}
	return res, nil
}

func (c *Client) dialLocked(ctx context.Context) error {
	d := &net.Dialer{Timeout: c.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if c.cfg.TLSConfig != nil {
		conn, err = (&tls.Dialer{NetDialer: d, Config: c.cfg.TLSConfig}).DialContext(ctx, c.cfg.Network, c.cfg.Address)
	} else {
		conn, err = d.DialContext(ctx, c.cfg.Network, c.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("dial id service: %w", err)
	}
	c.conn, c.r = conn, bufio.NewReader(conn)
	return nil
}

func (c *Client) resetLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.r = nil, nil
	return err
}
