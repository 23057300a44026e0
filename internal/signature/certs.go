package signature

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"sesrelay/internal/external"
	"sesrelay/internal/metrics"
	"sesrelay/internal/types"
)

const (
	// DefaultCacheSize is the number of signing certificates kept.
	DefaultCacheSize = 5

	// DefaultFetchTimeout bounds one certificate download.
	DefaultFetchTimeout = 30 * time.Second

	maxCertificateBytes = 64 << 10
)

// CertificateSource resolves a signing certificate URL to its public key.
type CertificateSource interface {
	PublicKey(ctx context.Context, url string) (*rsa.PublicKey, error)
}

// CertificateCache downloads PEM certificates and keeps the parsed keys in a
// small LRU. Concurrent misses for the same URL share one download. Failed
// downloads are not cached.
type CertificateCache struct {
	client  *external.BaseClient
	cache   *lru.Cache[string, *rsa.PublicKey]
	group   singleflight.Group
	metrics metrics.Recorder
	logger  types.Logger
}

// CacheConfig configures a CertificateCache.
type CacheConfig struct {
	// HTTPClient performs the downloads. Defaults to a client with
	// DefaultFetchTimeout.
	HTTPClient *http.Client
	Size       int
	UserAgent  string
	Metrics    metrics.Recorder
	Logger     types.Logger
}

// NewCertificateCache creates a CertificateCache.
func NewCertificateCache(cfg CacheConfig) (*CertificateCache, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultFetchTimeout}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = types.NewSlogLogger(nil)
	}

	cache, err := lru.New[string, *rsa.PublicKey](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("signature: certificate cache: %w", err)
	}

	return &CertificateCache{
		client: external.NewBaseClient(
			cfg.HTTPClient,
			"sns-certificates",
			external.DefaultRetryPolicy(),
			cfg.UserAgent,
		),
		cache:   cache,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

// PublicKey returns the RSA key of the certificate at url.
func (c *CertificateCache) PublicKey(ctx context.Context, url string) (*rsa.PublicKey, error) {
	if key, ok := c.cache.Get(url); ok {
		c.metrics.Inc(ctx, types.MetricCertCacheHits)
		return key, nil
	}
	c.metrics.Inc(ctx, types.MetricCertCacheMisses)

	v, err, _ := c.group.Do(url, func() (any, error) {
		// Another caller may have filled the cache while we waited.
		if key, ok := c.cache.Get(url); ok {
			return key, nil
		}
		// The download outlives any one caller's context since its result is
		// shared.
		key, err := c.fetch(context.WithoutCancel(ctx), url)
		if err != nil {
			return nil, err
		}
		c.cache.Add(url, key)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

func (c *CertificateCache) size() int { return c.cache.Len() }

func (c *CertificateCache) fetch(ctx context.Context, url string) (*rsa.PublicKey, error) {
	defer metrics.Since(ctx, c.metrics, types.MetricCertificateSeconds, time.Now())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCertificate, "invalid certificate url", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCertificate,
			fmt.Sprintf("failed to fetch certificate. url=%s", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(types.ErrCodeUpstreamCertificate,
			fmt.Sprintf("failed to fetch certificate. url=%s, status=%d", url, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertificateBytes))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCertificate,
			fmt.Sprintf("failed to read certificate. url=%s", url), err)
	}

	key, err := parsePublicKey(body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamCertificate,
			fmt.Sprintf("failed to parse certificate. url=%s", url), err)
	}

	c.logger.Info("loaded signing certificate", "url", url)
	return key, nil
}

func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no PEM certificate block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is %T, not RSA", cert.PublicKey)
	}
	return key, nil
}
