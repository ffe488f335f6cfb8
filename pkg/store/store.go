// Package store wraps the shared key-value store (Redis) behind the typed
// get/put/prefix-scan/watch interface every other component depends on.
// It hides transport retry/backoff and keyspace-notification plumbing so
// callers see a flat string keyspace with PUT/DELETE events.
package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/netsatbench/netsatbench/pkg/util"
)

// EventKind distinguishes a watch event's nature.
type EventKind int

const (
	// EventPut means the key was set (created or overwritten).
	EventPut EventKind = iota
	// EventDelete means the key was removed.
	EventDelete
	// EventResync is a synthetic event emitted after a watch reconnects.
	// The caller should re-scan the prefix it cares about to recover any
	// PUT/DELETE pairs missed while disconnected.
	EventResync
)

func (k EventKind) String() string {
	switch k {
	case EventPut:
		return "PUT"
	case EventDelete:
		return "DELETE"
	case EventResync:
		return "RESYNC"
	default:
		return "UNKNOWN"
	}
}

// Event is a single PUT/DELETE notification (or a resync hint) delivered
// on a watch channel.
type Event struct {
	Kind  EventKind
	Key   string
	Value string // empty on DELETE and RESYNC
}

// Options configures a Client.
type Options struct {
	Addr     string
	Username string
	Password string
	CACert   string // PEM-encoded CA certificate path; empty disables TLS

	// MinBackoff/MaxBackoff bound the reconnect backoff. Zero values fall
	// back to 1s/30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// KV is the point-operation surface shared by Client and Fake. Compiler
// and agent reconcilers depend on this interface rather than *Client so
// tests can substitute an in-memory store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	GetPrefix(ctx context.Context, prefix string) (map[string]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// Client is a typed wrapper over a Redis connection providing the flat
// keyspace operations the rest of NetSatBench is built on.
type Client struct {
	rdb  *redis.Client
	opts Options
}

var _ KV = (*Client)(nil)

// New connects (lazily — the first call establishes the TCP connection)
// to the store described by opts.
func New(opts Options) (*Client, error) {
	if opts.MinBackoff == 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = 30 * time.Second
	}

	redisOpts := &redis.Options{
		Addr:            opts.Addr,
		Username:        opts.Username,
		Password:        opts.Password,
		MinRetryBackoff: opts.MinBackoff,
		MaxRetryBackoff: opts.MaxBackoff,
	}
	if opts.CACert != "" {
		tlsCfg, err := caCertTLSConfig(opts.CACert)
		if err != nil {
			return nil, fmt.Errorf("store: loading CA cert: %w", err)
		}
		redisOpts.TLSConfig = tlsCfg
	}

	c := &Client{rdb: redis.NewClient(redisOpts), opts: opts}
	return c, nil
}

// caCertTLSConfig builds a tls.Config trusting only the given PEM CA file.
func caCertTLSConfig(path string) (*tls.Config, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return &tls.Config{RootCAs: pool}, nil
}

// Connect verifies connectivity, retrying with exponential backoff
// (starting at opts.MinBackoff, capped at opts.MaxBackoff) until ctx is
// canceled.
func (c *Client) Connect(ctx context.Context) error {
	backoff := c.opts.MinBackoff
	for {
		err := c.rdb.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		util.WithField("error", err).Warn("store: connect attempt failed, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("store: connect canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get returns the value at key, or ("", false, nil) if it does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return val, true, nil
}

// GetPrefix returns every key beginning with prefix and its value, using
// a non-blocking cursor SCAN rather than KEYS.
func (c *Client) GetPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	keys, err := c.scanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("store: scan prefix %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: mget under prefix %s: %w", prefix, err)
	}

	out := make(map[string]string, len(keys))
	for i, k := range keys {
		if vals[i] == nil {
			continue
		}
		if s, ok := vals[i].(string); ok {
			out[k] = s
		}
	}
	return out, nil
}

// Put writes value at key, unconditionally.
func (c *Client) Put(ctx context.Context, key, value string) error {
	if err := c.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key beginning with prefix.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := c.scanKeys(ctx, prefix+"*")
	if err != nil {
		return fmt.Errorf("store: scan prefix %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: delete prefix %s: %w", prefix, err)
	}
	return nil
}

func (c *Client) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Watch subscribes to PUT/DELETE events for a single key via Redis
// keyspace notifications and returns a channel of Events. The channel is
// closed when ctx is canceled. On a transport disconnect the watch is
// transparently re-established and a synthetic EventResync is emitted so
// the caller can re-scan and catch any DELETE it missed while down.
//
// Requires the store to have keyspace notifications enabled
// (notify-keyspace-events "KEA" or similar, covering generic + set/del).
func (c *Client) Watch(ctx context.Context, key string) <-chan Event {
	return c.watchPattern(ctx, func(evKey string) bool { return evKey == key })
}

// WatchPrefix subscribes to PUT/DELETE events for every key beginning
// with prefix. Semantics mirror Watch.
func (c *Client) WatchPrefix(ctx context.Context, prefix string) <-chan Event {
	return c.watchPattern(ctx, func(evKey string) bool { return strings.HasPrefix(evKey, prefix) })
}

// keyspaceEventPattern subscribes to every keyspace event for DB 0; the
// key itself arrives in the message payload, filtered client-side by
// the match predicate passed to watchPattern.
const keyspaceEventPattern = "__keyevent@0__:*"

func (c *Client) watchPattern(ctx context.Context, match func(key string) bool) <-chan Event {
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		first := true
		for {
			if ctx.Err() != nil {
				return
			}
			if !first {
				out <- Event{Kind: EventResync}
			}
			first = false

			if err := c.runSubscription(ctx, match, out); err != nil {
				util.WithField("error", err).Warn("store: watch subscription dropped, reconnecting")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
		}
	}()

	return out
}

func (c *Client) runSubscription(ctx context.Context, match func(string) bool, out chan<- Event) error {
	sub := c.rdb.PSubscribe(ctx, keyspaceEventPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("store: subscribe %s: %w", keyspaceEventPattern, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("store: subscription channel closed")
			}
			eventName := msg.Channel[strings.LastIndex(msg.Channel, ":")+1:]
			key := msg.Payload
			if !match(key) {
				continue
			}
			switch eventName {
			case "set":
				val, found, err := c.Get(ctx, key)
				if err != nil || !found {
					continue
				}
				out <- Event{Kind: EventPut, Key: key, Value: val}
			case "del", "expired":
				out <- Event{Kind: EventDelete, Key: key}
			}
		}
	}
}
