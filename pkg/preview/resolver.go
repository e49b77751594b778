// Package preview picks the URL an image is shown with: local bytes first,
// then a signed URL resolved once per object key, then a placeholder.
package preview

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/menuadmin/imageupload/pkg/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize bounds the number of signed URLs kept.
const DefaultCacheSize = 256

// DefaultPlaceholder is shown when no URL can be resolved.
const DefaultPlaceholder = "/placeholder.svg"

// fetchTimeout bounds one shared signed URL lookup.
const fetchTimeout = 30 * time.Second

// maxParallel bounds concurrent lookups in ResolveAll.
const maxParallel = 4

// Source exchanges an object key for a short-lived viewable URL.
type Source interface {
	ResolveSignedURL(ctx context.Context, key string) (string, error)
}

// Resolver caches signed URLs by object key for its whole lifetime.
type Resolver struct {
	source      Source
	placeholder string
	cache       *lru.Cache[string, string]
	group       singleflight.Group
}

// New creates a Resolver holding at most size signed URLs.
func New(source Source, size int, placeholder string) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}

	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	return &Resolver{
		source:      source,
		placeholder: placeholder,
		cache:       cache,
	}, nil
}

// Resolve returns the URL to show for e. It never fails; errors fall back
// to the placeholder and are not cached.
func (r *Resolver) Resolve(ctx context.Context, e store.Entry) string {
	if e.HasLocalFile() {
		return DataURL(e.ContentType, e.LocalFile)
	}

	key := e.ObjectKey()
	if key == "" {
		return r.placeholder
	}

	if cached, ok := r.cache.Get(key); ok {
		return cached
	}

	// The shared fetch outlives any single caller; each caller stops waiting
	// on its own ctx.
	ch := r.group.DoChan(key, func() (any, error) {
		if cached, ok := r.cache.Get(key); ok {
			return cached, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		u, err := r.source.ResolveSignedURL(fctx, key)
		if err != nil {
			return "", err
		}
		r.cache.Add(key, u)
		return u, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			slog.Warn("preview_resolve_failed", "entry_id", e.ID, "object_key", key, "error", res.Err)
			return r.placeholder
		}
		return res.Val.(string)
	case <-ctx.Done():
		slog.Warn("preview_resolve_abandoned", "entry_id", e.ID, "object_key", key, "error", ctx.Err())
		return r.placeholder
	}
}

// ResolveAll resolves every entry, keyed by entry id.
func (r *Resolver) ResolveAll(ctx context.Context, entries []store.Entry) map[string]string {
	urls := make([]string, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, e := range entries {
		g.Go(func() error {
			urls[i] = r.Resolve(gctx, e)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]string, len(entries))
	for i, e := range entries {
		out[e.ID] = urls[i]
	}
	return out
}

// Cached reports the signed URL held for key.
func (r *Resolver) Cached(key string) (string, bool) {
	return r.cache.Peek(key)
}

// Placeholder returns the fallback URL.
func (r *Resolver) Placeholder() string {
	return r.placeholder
}

// DataURL renders bytes as an inline data: URL.
func DataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
