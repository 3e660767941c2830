package agent

import (
	"context"
	"fmt"
	"net"
	"time"

	"tezrec/types"
)

// Client reads the agent's event stream from its Unix socket.
type Client struct {
	conn net.Conn
}

// Dial connects to the agent socket, retrying until the agent has
// created it or the context is cancelled.
func Dial(ctx context.Context, path string) (*Client, error) {
	var lastErr error
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			return &Client{conn: conn}, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial agent socket %s: %w", path, lastErr)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Read blocks for the next event.
func (c *Client) Read() (*types.SyscallEvent, error) {
	body, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(body)
}

// Close closes the socket.
func (c *Client) Close() error { return c.conn.Close() }
