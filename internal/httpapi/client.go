package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"udevd/pkg/types"
)

// Client talks to the control API over its unix socket. It implements Service.
type Client struct {
	hc *http.Client
}

// NewClient returns a client for the control socket at path.
func NewClient(path string, timeout time.Duration) *Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{hc: &http.Client{Transport: tr, Timeout: timeout}}
}

// StatusError is a non-2xx answer from the daemon.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string   { return fmt.Sprintf("udevd: %s (%d)", e.Message, e.Code) }
func (e *StatusError) StatusCode() int { return e.Code }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	// the host is ignored by the unix dialer
	req, err := http.NewRequestWithContext(ctx, method, "http://udevd"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var er types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
			er.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: er.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Ping(ctx context.Context) error {
	var resp types.PingResponse
	return c.do(ctx, http.MethodGet, "/ping", nil, &resp)
}

func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var st types.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) Reload(ctx context.Context, force bool) error {
	return c.do(ctx, http.MethodPost, "/reload", types.ReloadRequest{Force: force}, nil)
}

func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	return c.do(ctx, http.MethodPut, "/log-level", types.LogLevelRequest{Level: level}, nil)
}

func (c *Client) SetChildrenMax(ctx context.Context, n int) error {
	return c.do(ctx, http.MethodPut, "/children-max", types.ChildrenMaxRequest{ChildrenMax: n}, nil)
}

func (c *Client) StopExecQueue(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/exec-queue/stop", nil, nil)
}

func (c *Client) StartExecQueue(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/exec-queue/start", nil, nil)
}

func (c *Client) SetEnvironment(ctx context.Context, env map[string]string) error {
	return c.do(ctx, http.MethodPost, "/environment", types.EnvironmentRequest{Set: env}, nil)
}

func (c *Client) UnsetEnvironment(ctx context.Context, keys []string) error {
	return c.do(ctx, http.MethodPost, "/environment", types.EnvironmentRequest{Unset: keys}, nil)
}

func (c *Client) Exit(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/exit", nil, nil)
}
