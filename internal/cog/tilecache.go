package cog

import (
	"image"

	lru "github.com/hashicorp/golang-lru/v2"
)

// tileKey identifies a tile within a specific file and IFD level.
type tileKey struct {
	path  string
	level int
	col   int
	row   int
}

// TileCache is a true LRU cache of decoded COG tiles, backed by
// hashicorp/golang-lru. It replaces a first-in-first-out cache that evicted
// the oldest tile read regardless of reuse, which thrashed on the
// access patterns the Aggregation Engine's warp actually produces (repeated
// revisits to a handful of hot source tiles near macrotile seams).
type TileCache struct {
	cache *lru.Cache[tileKey, image.Image]
}

// NewTileCache creates a tile cache with the given maximum number of entries.
func NewTileCache(maxEntries int) *TileCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	c, err := lru.New[tileKey, image.Image](maxEntries)
	if err != nil {
		// Only returns an error for a non-positive size, excluded above.
		panic(err)
	}
	return &TileCache{cache: c}
}

// Get retrieves a tile from the cache. Returns nil if not found.
func (tc *TileCache) Get(path string, level, col, row int) image.Image {
	key := tileKey{path: path, level: level, col: col, row: row}
	if img, ok := tc.cache.Get(key); ok {
		return img
	}
	return nil
}

// Put stores a tile in the cache, evicting the least-recently-used entry if full.
func (tc *TileCache) Put(path string, level, col, row int, img image.Image) {
	key := tileKey{path: path, level: level, col: col, row: row}
	tc.cache.Add(key, img)
}

// CachedReader wraps a Reader with a shared tile cache.
type CachedReader struct {
	*Reader
	cache *TileCache
}

// NewCachedReader wraps a Reader with a shared tile cache.
func NewCachedReader(r *Reader, cache *TileCache) *CachedReader {
	return &CachedReader{Reader: r, cache: cache}
}

// ReadTileCached reads a tile, using the cache if available.
func (cr *CachedReader) ReadTileCached(level, col, row int) (image.Image, error) {
	if img := cr.cache.Get(cr.path, level, col, row); img != nil {
		return img, nil
	}

	img, err := cr.Reader.ReadTile(level, col, row)
	if err != nil {
		return nil, err
	}

	cr.cache.Put(cr.path, level, col, row, img)
	return img, nil
}
