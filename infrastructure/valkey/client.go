package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

const defaultDialTimeout = 5 * time.Second

type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// DialTimeout bounds the initial PING. Zero means 5s.
	DialTimeout time.Duration
}

// Client is the cross-process side of the orchestrator: reconciler locks and
// the realtime broadcast channel. Every key and channel carries KeyPrefix so
// several deployments can share one server.
type Client struct {
	inner  valkeylib.Client
	prefix string
}

// NewClient connects and verifies the server answers before returning.
func NewClient(cfg Config) (*Client, error) {
	inner, err := valkeylib.NewClient(valkeylib.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect valkey %s: %w", cfg.Address, err)
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("ping valkey %s: %w", cfg.Address, err)
	}

	return &Client{inner: inner, prefix: strings.TrimSuffix(cfg.KeyPrefix, ":")}, nil
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Key joins parts with ':' under the configured prefix, so Key("lock",
// "reconciler:schedule") is "azinbox:lock:reconciler:schedule".
func (c *Client) Key(parts ...string) string {
	if c.prefix == "" {
		return strings.Join(parts, ":")
	}
	return strings.Join(append([]string{c.prefix}, parts...), ":")
}
