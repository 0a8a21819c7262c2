// Package cache wraps the shared Redis cache: client construction, the
// autoguard: key namespace, and JSON get/set helpers used by the two-tier
// caches in geoip and offer.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client is the shared-cache handle. A thin wrapper over *redis.Client so
// callers depend on this package's key-namespace helpers instead of
// constructing keys ad hoc.
type Client struct {
	rdb *redis.Client
}

// New parses redisURL and opens a connection, verified with a Ping.
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: pinging redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Raw exposes the underlying redis.Client for packages that need commands
// this wrapper doesn't cover (sets, hashes, lists, sorted sets).
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key namespace, per spec §6. All shared-cache keys carry this prefix.
const namespace = "autoguard"

func OfferByIDKey(id int64) string {
	return fmt.Sprintf("%s:offer:id:%d", namespace, id)
}

func OfferBySubdomainKey(subdomain string) string {
	return fmt.Sprintf("%s:offer:subdomain:%s", namespace, subdomain)
}

func OfferByDomainKey(domain string) string {
	return fmt.Sprintf("%s:offer:domain:%s", namespace, domain)
}

// BlacklistKeyPrefix is the common prefix of every blacklist key, used to
// scan for and remove stale keys after a rebuild.
func BlacklistKeyPrefix() string {
	return namespace + ":blacklist:"
}

func BlacklistIPGlobalKey() string {
	return namespace + ":blacklist:ip:global"
}

func BlacklistIPTenantKey(tenantID int64) string {
	return fmt.Sprintf("%s:blacklist:ip:user:%d", namespace, tenantID)
}

func BlacklistIPRangesKey(scope string) string {
	return fmt.Sprintf("%s:blacklist:ip_ranges:%s", namespace, scope)
}

func BlacklistUAsKey(scope string) string {
	return fmt.Sprintf("%s:blacklist:uas:%s", namespace, scope)
}

func BlacklistISPsKey(scope string) string {
	return fmt.Sprintf("%s:blacklist:isps:%s", namespace, scope)
}

func BlacklistISPNamesKey(scope string) string {
	return fmt.Sprintf("%s:blacklist:isps:%s:names", namespace, scope)
}

func BlacklistGeosKey(scope string) string {
	return fmt.Sprintf("%s:blacklist:geos:%s", namespace, scope)
}

func GeoIPKey(ip string) string {
	return fmt.Sprintf("%s:geoip:%s", namespace, ip)
}

// Queue key pairs/quartets (C6 Log Pipeline, C7 Job Runner).
const (
	LogQueuePending    = "queue:cloak_logs"
	LogQueueProcessing = "queue:cloak_logs:processing"

	JobQueuePending    = "queue:page_generation"
	JobQueueProcessing = "queue:page_generation:processing"
	JobQueueDelayed    = "queue:page_generation:delayed"
	JobQueueDead       = "queue:page_generation:dead"
)
