package archive

import (
	"path/filepath"
	"sort"
	"testing"
)

func TestReader_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "roundtrip.archive")

	w, err := NewWriter(outPath, WriterOptions{
		MinZoom: 0, MaxZoom: 3,
		Bounds:     Bounds{MinLon: -180, MaxLon: 180, MinLat: -85, MaxLat: 85},
		TileFormat: TileTypeWebP,
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	type tile struct {
		z, x, y int
		id      uint64
	}
	var tiles []tile
	for z := 0; z <= 3; z++ {
		n := 1 << z
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				tiles = append(tiles, tile{z, x, y, ZXYToTileID(z, x, y)})
			}
		}
	}
	sort.Slice(tiles, func(i, j int) bool { return tiles[i].id < tiles[j].id })

	for _, tl := range tiles {
		if err := w.WriteTile(tl.id, []byte("data-for-tile")); err != nil {
			t.Fatalf("WriteTile: %v", err)
		}
	}
	if _, err := w.Finalize(nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := OpenReader(outPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	if r.NumTiles() != len(tiles) {
		t.Errorf("NumTiles() = %d, want %d", r.NumTiles(), len(tiles))
	}

	for _, tl := range tiles {
		data, err := r.ReadTile(tl.z, tl.x, tl.y)
		if err != nil {
			t.Fatalf("ReadTile(%d,%d,%d): %v", tl.z, tl.x, tl.y, err)
		}
		if string(data) != "data-for-tile" {
			t.Errorf("ReadTile(%d,%d,%d) = %q", tl.z, tl.x, tl.y, data)
		}
	}

	ids := r.AllTileIDs()
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("archive monotonicity violated at index %d: %d <= %d", i, ids[i], ids[i-1])
		}
	}
}

func TestReader_TilesAtZoom(t *testing.T) {
	tmpDir := t.TempDir()
	outPath := filepath.Join(tmpDir, "byzoom.archive")

	w, err := NewWriter(outPath, WriterOptions{TileFormat: TileTypePNG})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	var ids []uint64
	ids = append(ids, ZXYToTileID(0, 0, 0))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			ids = append(ids, ZXYToTileID(1, x, y))
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if err := w.WriteTile(id, []byte("x")); err != nil {
			t.Fatalf("WriteTile: %v", err)
		}
	}
	if _, err := w.Finalize(nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	r, err := OpenReader(outPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	z1 := r.TilesAtZoom(1)
	if len(z1) != 4 {
		t.Errorf("TilesAtZoom(1) = %d tiles, want 4", len(z1))
	}
	z0 := r.TilesAtZoom(0)
	if len(z0) != 1 {
		t.Errorf("TilesAtZoom(0) = %d tiles, want 1", len(z0))
	}
}
