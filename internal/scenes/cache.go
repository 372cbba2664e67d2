// Package scenes caches per-SKU scene lists for the lifetime of an engine.
package scenes

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/dokzlo13/fleetd/internal/govee"
)

// Fetcher lists scenes from the vendor.
type Fetcher interface {
	GetScenes(ctx context.Context, sku, device string) ([]govee.Scene, error)
}

// Fallback persists the last good scene list per SKU.
type Fallback interface {
	Get(sku string) (json.RawMessage, bool)
	Put(sku string, scenes json.RawMessage) error
}

// Cache memoizes scene lists per SKU. Concurrent lookups of the same SKU share
// one vendor request.
type Cache struct {
	fetcher  Fetcher
	fallback Fallback
	flight   singleflight.Group

	mu   sync.RWMutex
	memo map[string][]govee.Scene
}

// New creates a scene cache. fallback may be nil.
func New(fetcher Fetcher, fallback Fallback) *Cache {
	return &Cache{
		fetcher:  fetcher,
		fallback: fallback,
		memo:     make(map[string][]govee.Scene),
	}
}

// GetScenes returns the scenes for sku, fetching them through sampleDevice on first use.
// On vendor failure the persisted copy is used; with no copy an empty list is
// returned and the next call tries the vendor again. Auth errors are returned.
func (c *Cache) GetScenes(ctx context.Context, sku, sampleDevice string) ([]govee.Scene, error) {
	if scenes, ok := c.cached(sku); ok {
		return scenes, nil
	}

	v, err, shared := c.flight.Do(sku, func() (any, error) {
		if scenes, ok := c.cached(sku); ok {
			return scenes, nil
		}
		return c.load(ctx, sku, sampleDevice)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug().Str("sku", sku).Msg("Scene fetch shared with concurrent caller")
	}
	return v.([]govee.Scene), nil
}

func (c *Cache) load(ctx context.Context, sku, sampleDevice string) ([]govee.Scene, error) {
	scenes, err := c.fetcher.GetScenes(ctx, sku, sampleDevice)
	if err == nil {
		c.store(sku, scenes)
		if c.fallback != nil {
			if data, mErr := json.Marshal(scenes); mErr == nil {
				if pErr := c.fallback.Put(sku, data); pErr != nil {
					log.Warn().Err(pErr).Str("sku", sku).Msg("Failed to persist scene list")
				}
			}
		}
		log.Info().Str("sku", sku).Int("scenes", len(scenes)).Msg("Scenes loaded")
		return scenes, nil
	}

	if govee.IsAuth(err) {
		return nil, err
	}

	log.Warn().Err(err).Str("sku", sku).Msg("Scene fetch failed, trying persisted copy")
	if c.fallback != nil {
		if data, ok := c.fallback.Get(sku); ok {
			var persisted []govee.Scene
			if uErr := json.Unmarshal(data, &persisted); uErr == nil {
				c.store(sku, persisted)
				return persisted, nil
			}
			log.Warn().Str("sku", sku).Msg("Persisted scene list is corrupt, ignoring")
		}
	}
	return []govee.Scene{}, nil
}

func (c *Cache) cached(sku string) ([]govee.Scene, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	scenes, ok := c.memo[sku]
	return scenes, ok
}

func (c *Cache) store(sku string, scenes []govee.Scene) {
	if scenes == nil {
		scenes = []govee.Scene{}
	}
	c.mu.Lock()
	c.memo[sku] = scenes
	c.mu.Unlock()
}

// Forget drops the memoized list for sku. An empty sku forgets everything.
func (c *Cache) Forget(sku string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sku == "" {
		c.memo = make(map[string][]govee.Scene)
		return
	}
	delete(c.memo, sku)
}
