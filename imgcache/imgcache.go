// Package imgcache caches downloaded forum images in a local sqlite file.
//
// The forum CDN throttles repeat fetches and Telegram cannot fetch from it
// at all, so delivered images are downloaded once, kept by their CDN path,
// and uploaded to the sink from the cache.
package imgcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS images (
	path       TEXT PRIMARY KEY,
	mime_type  TEXT NOT NULL,
	data       BLOB NOT NULL,
	fetched_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

// maxImageBytes caps what gets cached and uploaded; anything larger is
// delivered by URL only.
const maxImageBytes = 10 << 20

// Cache is a sqlite-backed image store keyed by CDN path.
type Cache struct {
	db     *sql.DB
	client *http.Client
	logger *slog.Logger
}

// Open opens (and if needed initializes) the cache database at path.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open image cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close image cache after init error", "error", closeErr)
		}
		return nil, fmt.Errorf("init image cache schema: %w", err)
	}
	return &Cache{
		db:     db,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached bytes and MIME type for a CDN path.
func (c *Cache) Get(ctx context.Context, path string) (data []byte, mimeType string, ok bool, err error) {
	row := c.db.QueryRowContext(ctx, `SELECT data, mime_type FROM images WHERE path = ?`, path)
	if err := row.Scan(&data, &mimeType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("read image cache: %w", err)
	}
	return data, mimeType, true, nil
}

// Put stores an image under its CDN path, replacing any previous copy.
func (c *Cache) Put(ctx context.Context, path string, data []byte, mimeType string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO images (path, mime_type, data) VALUES (?, ?, ?)`,
		path, mimeType, data)
	if err != nil {
		return fmt.Errorf("write image cache: %w", err)
	}
	return nil
}

// Fetch returns the image at url, from cache when present, downloading and
// caching it otherwise. path is the cache key (the CDN path of the image).
func (c *Cache) Fetch(ctx context.Context, url, path string) ([]byte, string, error) {
	data, mimeType, ok, err := c.Get(ctx, path)
	if err != nil {
		c.logger.Warn("Image cache read failed, fetching fresh", "path", path, "error", err)
	} else if ok {
		return data, mimeType, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image HTTP %d", resp.StatusCode)
	}

	data, err = io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}

	mimeType = resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if err := c.Put(ctx, path, data, mimeType); err != nil {
		// Cache write failure only costs a refetch next time.
		c.logger.Warn("Image cache write failed", "path", path, "error", err)
	}

	return data, mimeType, nil
}
