package ctlsock

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is a connection to a running Server, used by vcmmdctl.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	nextID uint64
}

// Dial connects to the control socket at path.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends method with params and decodes the result into out (which
// may be nil if the caller doesn't need the result value).
func (c *Client) Call(method string, params interface{}, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := atomic.AddUint64(&c.nextID, 1)

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}

	req := Request{ID: id, Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	line = append(line, '\n')

	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	respLine, err := c.reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != id {
		return fmt.Errorf("response id mismatch: sent %d, got %d", id, resp.ID)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s (code %d)", resp.Error.Message, resp.Error.Code)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// ListVEs calls MethodListVEs.
func (c *Client) ListVEs() ([]VEInfoResult, error) {
	var out []VEInfoResult
	if err := c.Call(MethodListVEs, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetVE calls MethodGetVE.
func (c *Client) GetVE(name string) (VEInfoResult, error) {
	var out VEInfoResult
	err := c.Call(MethodGetVE, NameParams{Name: name}, &out)
	return out, err
}

// UpdateVE calls MethodUpdateVE.
func (c *Client) UpdateVE(name string, guarantee, limit, swap uint64, force bool) error {
	return c.Call(MethodUpdateVE, UpdateVEParams{
		Name: name, Guarantee: guarantee, Limit: limit, Swap: swap, Force: force,
	}, nil)
}

// DeactivateVE calls MethodDeactivateVE.
func (c *Client) DeactivateVE(name string) error {
	return c.Call(MethodDeactivateVE, NameParams{Name: name}, nil)
}

// UnregisterVE calls MethodUnregisterVE.
func (c *Client) UnregisterVE(name string) error {
	return c.Call(MethodUnregisterVE, NameParams{Name: name}, nil)
}

// Metrics calls MethodMetrics.
func (c *Client) Metrics() (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.Call(MethodMetrics, nil, &out)
	return out, err
}
