package transport

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/opd-ai/zerotrace/message"
)

// Default outbound deadlines. The overlay adds seconds of latency per hop,
// so these are deliberately generous.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// ClientConfig configures outbound proxying and deadlines.
type ClientConfig struct {
	// ProxyType is "http", "socks5", or "" for direct connections
	// (developer mode without the overlay).
	ProxyType string
	// ProxyAddr is the overlay's local proxy endpoint, e.g. 127.0.0.1:4444.
	ProxyAddr string

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns the standard I2P HTTP-proxy configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ProxyType:      "http",
		ProxyAddr:      "127.0.0.1:4444",
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Client issues wire and DHT requests to peers through the overlay proxy.
type Client struct {
	http *http.Client
	log  *logrus.Entry
}

// NewClient builds a client for the given proxy configuration.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	tr := &http.Transport{
		DialContext:           dialer.DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		DisableKeepAlives:     true,
	}

	switch cfg.ProxyType {
	case "http":
		proxyURL, err := url.Parse("http://" + cfg.ProxyAddr)
		if err != nil {
			return nil, fmt.Errorf("parse proxy address: %w", err)
		}
		tr.Proxy = http.ProxyURL(proxyURL)

	case "socks5":
		socksDialer, err := proxy.SOCKS5("tcp", cfg.ProxyAddr, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("create socks5 dialer: %w", err)
		}
		ctxDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		tr.DialContext = ctxDialer.DialContext

	case "":
		// Direct connections; developer mode only.

	default:
		return nil, fmt.Errorf("unknown proxy type %q", cfg.ProxyType)
	}

	return &Client{
		http: &http.Client{Transport: tr, Timeout: cfg.RequestTimeout},
		log: logrus.WithFields(logrus.Fields{
			"package":    "transport",
			"proxy_type": cfg.ProxyType,
		}),
	}, nil
}

// SendWire posts a wire message to the peer at addr. It satisfies the
// routing engine's Sender interface.
func (c *Client) SendWire(ctx context.Context, addr string, w *message.Wire) error {
	var resp statusResponse
	if err := c.postJSON(ctx, addr, "/send", w, &resp); err != nil {
		return err
	}
	if resp.Status != "OK" {
		return fmt.Errorf("%w: peer answered status %q", ErrUnreachable, resp.Status)
	}
	return nil
}

// FetchMessages drains the peer's forward queue for the given identifier.
func (c *Client) FetchMessages(ctx context.Context, addr, identifier string) ([]message.Wire, error) {
	var resp messagesResponse
	path := "/get_messages/" + url.PathEscape(identifier)
	if err := c.postJSON(ctx, addr, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// NodeID asks a peer for its DHT node id.
func (c *Client) NodeID(ctx context.Context, addr string) (string, error) {
	var resp idResponse
	if err := c.getJSON(ctx, addr, "/id", &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Bootstrap announces self to the peer's routing table.
func (c *Client) Bootstrap(ctx context.Context, addr string, self NodeRef) error {
	var resp okResponse
	req := bootstrapRequest{NodeID: self.NodeID, IP: self.IP, Port: self.Port}
	if err := c.postJSON(ctx, addr, "/bootstrap", req, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%w: bootstrap refused: %s", ErrUnreachable, resp.Error)
	}
	return nil
}

// Ping checks peer liveness.
func (c *Client) Ping(ctx context.Context, addr, selfNodeID string) error {
	var resp okResponse
	if err := c.postJSON(ctx, addr, "/ping", pingRequest{NodeID: selfNodeID}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%w: ping refused", ErrUnreachable)
	}
	return nil
}

// Store asks the peer to store a DHT value. A false return with nil error
// means the peer answered but refused the record.
func (c *Client) Store(ctx context.Context, addr, selfNodeID, keyHex string, value []byte) (bool, error) {
	req := storeRequest{
		NodeID: selfNodeID,
		Key:    keyHex,
		Value:  hex.EncodeToString(value),
	}
	var resp okResponse
	if err := c.postJSON(ctx, addr, "/set", req, &resp); err != nil {
		return false, err
	}
	if !resp.OK {
		c.log.WithField("error", resp.Error).Debug("store rejected by peer")
	}
	return resp.OK, nil
}

// FindValue queries the peer for a value; exactly one of value and nodes is
// populated on success.
func (c *Client) FindValue(ctx context.Context, addr, selfNodeID, keyHex string) ([]byte, []NodeRef, error) {
	req := findRequest{NodeID: selfNodeID, Key: keyHex}
	var resp findValueResponse
	if err := c.postJSON(ctx, addr, "/find_value", req, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Value != "" {
		value, err := hex.DecodeString(resp.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("peer returned invalid value encoding: %w", err)
		}
		return value, nil, nil
	}
	return nil, resp.Nodes, nil
}

// FindNode queries the peer for its k closest nodes to the target id.
func (c *Client) FindNode(ctx context.Context, addr, selfNodeID, targetHex string) ([]NodeRef, error) {
	req := findRequest{NodeID: selfNodeID, Key: targetHex}
	var resp findNodeResponse
	if err := c.postJSON(ctx, addr, "/find_node", req, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (c *Client) postJSON(ctx context.Context, addr, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL(addr, path), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, addr, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerURL(addr, path), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyNetErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: http %d from %s", ErrUnreachable, resp.StatusCode, req.URL.Host)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrUnreachable, err)
	}
	return nil
}

// maxResponseBytes bounds any peer response body.
const maxResponseBytes = 4 << 20

// peerURL builds the request URL for a peer address, which may be a bare
// anonymous hostname or host:port.
func peerURL(addr, path string) string {
	return "http://" + addr + path
}

// classifyNetErr maps transport failures onto the error taxonomy.
func classifyNetErr(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}
