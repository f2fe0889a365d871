package geo

import (
	"net"
	"sync"
	"time"

	"github.com/tutorwise/signals/internal/metrics"
)

// Metadata keys written by the enricher.
const (
	KeyCountry = "geo_country"
	KeyRegion  = "geo_region"
	KeyCity    = "geo_city"
)

// Info holds geographic information for an IP.
type Info struct {
	CountryCode string
	Region      string
	City        string
}

// Provider resolves an IP address to geo information.
type Provider interface {
	Lookup(ip net.IP) (*Info, error)
	Close() error
}

// Enricher adds coarse location to event metadata. Lookups are cached
// per IP and never fail the caller.
type Enricher struct {
	provider Provider
	cache    *cache
	metrics  *metrics.Metrics
}

type cache struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	info      *Info
	expiresAt time.Time
}

// NewEnricher creates an enricher over provider.
func NewEnricher(provider Provider, cacheSize int, cacheTTL time.Duration, m *metrics.Metrics) *Enricher {
	return &Enricher{
		provider: provider,
		cache: &cache{
			data:    make(map[string]*cacheEntry),
			maxSize: cacheSize,
			ttl:     cacheTTL,
		},
		metrics: m,
	}
}

// Enrich returns metadata with geo keys added for ip. Existing keys are
// kept; md itself is not modified.
func (e *Enricher) Enrich(ip string, md map[string]string) map[string]string {
	info := e.lookup(ip)
	if info == nil {
		return md
	}

	out := make(map[string]string, len(md)+3)
	for k, v := range md {
		out[k] = v
	}
	setIfMissing(out, KeyCountry, info.CountryCode)
	setIfMissing(out, KeyRegion, info.Region)
	setIfMissing(out, KeyCity, info.City)
	return out
}

func setIfMissing(md map[string]string, key, value string) {
	if value == "" {
		return
	}
	if _, ok := md[key]; !ok {
		md[key] = value
	}
}

// Close releases the provider.
func (e *Enricher) Close() error {
	if e.provider == nil {
		return nil
	}
	return e.provider.Close()
}

func (e *Enricher) lookup(ip string) *Info {
	if ip == "" || e.provider == nil {
		return nil
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}

	start := time.Now()
	if info, ok := e.cache.get(ip); ok {
		return info
	}

	info, err := e.provider.Lookup(parsed)
	if err != nil {
		return nil
	}
	e.cache.set(ip, info)
	if e.metrics != nil {
		e.metrics.RecordGeoLookup(info != nil, time.Since(start))
	}
	return info
}

func (c *cache) get(ip string) (*Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.data[ip]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.info, true
}

func (c *cache) set(ip string, info *Info) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Evict an arbitrary entry at capacity.
	if len(c.data) >= c.maxSize {
		for k := range c.data {
			delete(c.data, k)
			break
		}
	}

	c.data[ip] = &cacheEntry{
		info:      info,
		expiresAt: time.Now().Add(c.ttl),
	}
}
