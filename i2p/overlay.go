// Package i2p is the core's view of the anonymous overlay: the local
// destination other nodes dial, and the proxy endpoint outbound traffic
// must use. The overlay router process itself (i2pd) is supervised outside
// the core; this package only reads the two values it publishes and
// fans out rotation events.
package i2p

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultProxyAddr is i2pd's standard HTTP proxy endpoint.
const DefaultProxyAddr = "127.0.0.1:4444"

// Config selects overlay or developer mode.
type Config struct {
	// Enabled routes traffic through the overlay. When false the node
	// speaks plain HTTP on the loopback/LAN address in LocalFallback.
	// That is a developer-mode knob, never a production setting.
	Enabled bool
	// ProxyAddr is the overlay's outbound proxy endpoint.
	ProxyAddr string
	// ProxyType is "http" or "socks5".
	ProxyType string
	// DestinationFile holds the local destination hostname (*.b32.i2p),
	// written by the overlay supervisor.
	DestinationFile string
	// LocalFallback is the advertised host:port in developer mode.
	LocalFallback string
}

// DefaultConfig returns the standard i2pd HTTP-proxy setup.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		ProxyAddr: DefaultProxyAddr,
		ProxyType: "http",
	}
}

// Overlay exposes the local anonymous address and proxy endpoint, and
// notifies subscribers when the address rotates.
type Overlay struct {
	cfg *Config
	log *logrus.Entry

	mu       sync.RWMutex
	addr     string
	onRotate []func(addr string)
}

// New creates an overlay view from the configuration.
func New(cfg *Config) *Overlay {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Overlay{
		cfg: cfg,
		log: logrus.WithField("package", "i2p"),
	}
}

// Load reads the local destination. In developer mode it takes the
// configured fallback address instead.
func (o *Overlay) Load() error {
	if !o.cfg.Enabled {
		if o.cfg.LocalFallback == "" {
			return fmt.Errorf("overlay disabled but no local fallback address configured")
		}
		o.mu.Lock()
		o.addr = o.cfg.LocalFallback
		o.mu.Unlock()
		o.log.WithField("addr", o.cfg.LocalFallback).Warn("overlay disabled, using plain local address")
		return nil
	}

	data, err := os.ReadFile(o.cfg.DestinationFile)
	if err != nil {
		return fmt.Errorf("read overlay destination: %w", err)
	}
	addr := strings.TrimSpace(string(data))
	if !strings.HasSuffix(addr, ".b32.i2p") {
		return fmt.Errorf("destination %q is not a b32 address", addr)
	}

	o.mu.Lock()
	o.addr = addr
	o.mu.Unlock()
	o.log.WithField("addr", addr).Info("overlay destination loaded")
	return nil
}

// LocalAddress returns the address peers should dial to reach this node.
func (o *Overlay) LocalAddress() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.addr
}

// ProxyAddr returns the outbound proxy endpoint, empty in developer mode.
func (o *Overlay) ProxyAddr() string {
	if !o.cfg.Enabled {
		return ""
	}
	return o.cfg.ProxyAddr
}

// ProxyType returns the proxy protocol, empty in developer mode.
func (o *Overlay) ProxyType() string {
	if !o.cfg.Enabled {
		return ""
	}
	return o.cfg.ProxyType
}

// OnRotate registers a callback for destination changes.
func (o *Overlay) OnRotate(fn func(addr string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onRotate = append(o.onRotate, fn)
}

// Rotate installs a new destination and notifies subscribers. The overlay
// supervisor calls this after re-keying the tunnel.
func (o *Overlay) Rotate(addr string) {
	o.mu.Lock()
	o.addr = addr
	callbacks := make([]func(string), len(o.onRotate))
	copy(callbacks, o.onRotate)
	o.mu.Unlock()

	o.log.WithField("addr", addr).Info("overlay destination rotated")
	for _, fn := range callbacks {
		fn(addr)
	}
}
