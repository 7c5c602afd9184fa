package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// CacheEntry is one cached link probe result.
type CacheEntry struct {
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	OK          bool      `json:"ok"`
	Error       string    `json:"error,omitempty"`
	LastChecked time.Time `json:"lastChecked"`
}

// NATSLinkCache shares link probe results across runs and instances through
// a JetStream key-value bucket. Keys are the sha256 of the URL since raw
// URLs contain characters outside the KV key charset.
type NATSLinkCache struct {
	conn       *nats.Conn
	kv         jetstream.KeyValue
	ttlOK      time.Duration
	ttlFailure time.Duration
	log        *slog.Logger
}

// NewNATSLinkCache connects to NATS and opens (or creates) the bucket.
// Failed probe entries get their own, typically shorter, TTL so broken
// links are rechecked sooner.
func NewNATSLinkCache(natsURL, bucket string, ttlOK, ttlFailure time.Duration, logger *slog.Logger) (*NATSLinkCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttlOK <= 0 {
		ttlOK = 24 * time.Hour
	}
	if ttlFailure <= 0 {
		ttlFailure = time.Hour
	}

	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "PageForge outbound link probe cache",
			MaxBytes:    100 * 1024 * 1024,
			History:     1,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create KV bucket %q: %w", bucket, err)
		}
	}

	logger.Info("link cache connected", slog.String("bucket", bucket))
	return &NATSLinkCache{conn: conn, kv: kv, ttlOK: ttlOK, ttlFailure: ttlFailure, log: logger}, nil
}

func cacheKey(link string) string {
	sum := sha256.Sum256([]byte(link))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry when present and still inside its TTL. The
// bucket has no per-key expiry, so freshness is enforced on read.
func (c *NATSLinkCache) Get(ctx context.Context, link string) (*CacheEntry, bool) {
	kvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := c.kv.Get(kvCtx, cacheKey(link))
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			c.log.Debug("link cache lookup failed", logfields.URL(link), logfields.Error(err))
		}
		return nil, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw.Value(), &entry); err != nil {
		return nil, false
	}

	ttl := c.ttlOK
	if !entry.OK {
		ttl = c.ttlFailure
	}
	if time.Since(entry.LastChecked) >= ttl {
		return nil, false
	}
	return &entry, true
}

// Put stores an entry, logging but otherwise swallowing failures: a dead
// cache degrades probing to direct, it never breaks it.
func (c *NATSLinkCache) Put(ctx context.Context, entry *CacheEntry) {
	kvCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if _, err := c.kv.Put(kvCtx, cacheKey(entry.URL), data); err != nil {
		c.log.Warn("link cache update failed", logfields.URL(entry.URL), logfields.Error(err))
	}
}

// Close drops the NATS connection.
func (c *NATSLinkCache) Close() error {
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
