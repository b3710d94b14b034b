package valkey

import (
	"context"
	"fmt"
	"strings"
	"time"

	valkeylib "github.com/valkey-io/valkey-go"
)

const defaultConnectTimeout = 5 * time.Second

// Config describes the Valkey deployment backing the queue, incident and
// snapshot stores.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// Cluster lets the client discover slots with CLUSTER SLOTS. A standalone
	// server uses a single-node client even when it answers that command.
	Cluster        bool
	ConnectTimeout time.Duration
	// DisableCache turns off client-side caching for servers without CLIENT TRACKING.
	DisableCache bool
}

// Client is a prefixed valkey-go client shared by the publisher stores.
type Client struct {
	inner     valkeylib.Client
	keyPrefix string
}

// NewClient connects and pings the server. The caller owns Close.
func NewClient(cfg Config) (*Client, error) {
	opts := valkeylib.ClientOption{
		InitAddress:       []string{cfg.Address},
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		DisableCache:      cfg.DisableCache,
		ForceSingleClient: !cfg.Cluster,
	}

	inner, err := valkeylib.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client for %s: %w", cfg.Address, err)
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := inner.Do(ctx, inner.B().Ping().Build()).Error(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("valkey at %s did not answer within %v: %w", cfg.Address, timeout, err)
	}

	prefix := cfg.KeyPrefix
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Client{inner: inner, keyPrefix: prefix}, nil
}

func (c *Client) Inner() valkeylib.Client {
	return c.inner
}

func (c *Client) Close() {
	if c.inner != nil {
		c.inner.Close()
	}
}

// Key joins parts with ":" under the configured prefix, e.g.
// Key("{jobs}", "queue", "twitter", "queued") -> "azpub:{jobs}:queue:twitter:queued".
func (c *Client) Key(parts ...string) string {
	if len(parts) == 0 {
		return strings.TrimSuffix(c.keyPrefix, ":")
	}
	return c.keyPrefix + strings.Join(parts, ":")
}

// Ping reports whether the server answers. Used by the readiness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.inner.Do(ctx, c.inner.B().Ping().Build()).Error()
}

// Eval runs a Lua script against keys. All keys must share one cluster slot.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...string) valkeylib.ValkeyResult {
	cmd := c.inner.B().Eval().Script(script).Numkeys(int64(len(keys))).Key(keys...).Arg(args...).Build()
	return c.inner.Do(ctx, cmd)
}

// IsNil reports a nil reply (missing key or field).
func IsNil(err error) bool {
	return valkeylib.IsValkeyNil(err)
}
