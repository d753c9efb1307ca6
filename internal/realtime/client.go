// Package realtime owns the outbound side of a websocket connection: a
// single writer goroutine that serializes every message in queue order.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/ghosttype/pkg/api"
)

var ErrClosed = errors.New("connection closed")

const (
	outboundBufferSize = 64
	writeWait          = 10 * time.Second
)

// Conn is the part of *websocket.Conn the client writes through.
type Conn interface {
	WriteJSON(v any) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type outbound struct {
	msg  api.ServerEnvelope
	done chan error
}

type Client struct {
	id     string
	conn   Conn
	logger *slog.Logger

	send   chan outbound
	closed chan struct{}
	close  sync.Once
}

func NewClient(id string, conn Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		id:     id,
		conn:   conn,
		logger: logger,
		send:   make(chan outbound, outboundBufferSize),
		closed: make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues msg behind everything queued before it. The returned channel
// yields the write result once the message has left the writer, or
// ErrClosed if the connection went away first.
func (c *Client) Send(msg api.ServerEnvelope) <-chan error {
	done := make(chan error, 1)
	select {
	case <-c.closed:
		done <- ErrClosed
		return done
	default:
	}
	select {
	case c.send <- outbound{msg: msg, done: done}:
	case <-c.closed:
		done <- ErrClosed
	}
	return done
}

// WriteLoop drains the queue until the client is closed or a write fails.
// Run it on its own goroutine.
func (c *Client) WriteLoop() {
	defer c.drain()
	for {
		select {
		case <-c.closed:
			return
		case out := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteJSON(out.msg)
			out.done <- err
			if err != nil {
				c.logger.Debug("websocket write failed", "conn_id", c.id, "error", err)
				c.Close()
				return
			}
		}
	}
}

// drain fails messages still queued when the loop exits.
func (c *Client) drain() {
	for {
		select {
		case out := <-c.send:
			out.done <- ErrClosed
		default:
			return
		}
	}
}

// StartPing sends a websocket ping every interval until ctx is done or the
// client closes.
func (c *Client) StartPing(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-t.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					c.logger.Debug("websocket ping failed", "conn_id", c.id, "error", err)
					return
				}
			}
		}
	}()
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func (c *Client) Close() {
	c.close.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}
