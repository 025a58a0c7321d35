// Package cache stores media referenced by messages under the MD5 of their
// content, so identical payloads share a single file on disk.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/desh0cc/psychopass/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Cache is a content-addressed media store rooted at one directory
type Cache struct {
	dir    string
	limit  int
	client *resty.Client
	log    *zap.Logger
}

// New creates a new media cache rooted at dir
func New(dir string, cfg config.CacheConfig, log *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 20
	}

	client := resty.New().
		SetTimeout(cfg.FetchTimeout).
		SetHeader("User-Agent", cfg.UserAgent)

	return &Cache{dir: dir, limit: limit, client: client, log: log}, nil
}

// Dir returns the cache root
func (c *Cache) Dir() string { return c.dir }

// Cache fetches locator and stores it. The bool is false when the
// locator is empty or could not be fetched.
func (c *Cache) Cache(ctx context.Context, locator string) (string, bool) {
	if locator == "" {
		return "", false
	}

	content, err := c.load(ctx, locator)
	if err != nil {
		c.log.Warn("Failed to fetch media", zap.String("locator", locator), zap.Error(err))
		return "", false
	}

	path, err := c.store(content)
	if err != nil {
		c.log.Error("Failed to write cache entry", zap.String("locator", locator), zap.Error(err))
		return "", false
	}
	return path, true
}

// CacheBatch caches every locator with bounded concurrency. The result has
// the same length and order as locators; failed slots are "".
func (c *Cache) CacheBatch(ctx context.Context, locators []string) []string {
	paths := make([]string, len(locators))

	var g errgroup.Group
	g.SetLimit(c.limit)
	for i, locator := range locators {
		i, locator := i, locator
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if path, ok := c.Cache(ctx, locator); ok {
				paths[i] = path
			}
			return nil
		})
	}
	_ = g.Wait()

	return paths
}

func (c *Cache) load(ctx context.Context, locator string) ([]byte, error) {
	if isRemote(locator) {
		return c.download(ctx, locator)
	}
	return os.ReadFile(locator)
}

func (c *Cache) download(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// store writes content under its hash unless an entry already exists.
func (c *Cache) store(content []byte) (string, error) {
	sum := md5.Sum(content)
	path := filepath.Join(c.dir, hex.EncodeToString(sum[:]))

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	// Atomic rename; a concurrent writer of the same content wins harmlessly
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to move cache entry: %w", err)
	}
	return path, nil
}

func isRemote(locator string) bool {
	return strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://")
}
