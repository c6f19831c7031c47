package aggregation

import (
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"testing"

	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/encode"
	"github.com/mapterhorn/pipeline/internal/raster"
)

func flatRaster(left, bottom, right, top, pixelSize float64, elevation float32) *raster.Raster {
	r := raster.NewRaster(left, bottom, right, top, pixelSize, raster.SentinelNoData)
	for i := range r.Data {
		r.Data[i] = elevation
	}
	return r
}

func TestMerge_SingleGroupShortcut(t *testing.T) {
	tmpDir := t.TempDir()
	r := flatRaster(0, 0, 512, 512, 1, 100)
	if err := raster.Write(groupRasterPath(tmpDir, 0), r); err != nil {
		t.Fatalf("raster.Write: %v", err)
	}
	meta := &Metadata{BufferPixels: 0, TiffDatasetIDs: []string{"ds0"}}

	outPath, err := Merge(tmpDir, meta)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if outPath != groupRasterPath(tmpDir, 0) {
		t.Errorf("outPath = %s, want shortcut to group 0's raster", outPath)
	}
	if _, err := os.Stat(mergeDonePath(tmpDir)); err != nil {
		t.Errorf("merge-done sentinel not written: %v", err)
	}

	// Idempotent re-run.
	outPath2, err := Merge(tmpDir, meta)
	if err != nil {
		t.Fatalf("Merge (rerun): %v", err)
	}
	if outPath2 != outPath {
		t.Errorf("rerun outPath = %s, want %s", outPath2, outPath)
	}
}

func TestMerge_TwoGroupsSeam(t *testing.T) {
	tmpDir := t.TempDir()
	const size = 512.0
	overlap := 40

	g0 := raster.NewRaster(0, 0, size, size, 1, raster.SentinelNoData)
	g1 := raster.NewRaster(0, 0, size, size, 1, raster.SentinelNoData)
	for row := 0; row < g0.Height; row++ {
		for col := 0; col < g0.Width; col++ {
			if col < g0.Width/2+overlap {
				g0.Set(col, row, 100)
			}
			if col >= g0.Width/2-overlap {
				g1.Set(col, row, 200)
			}
		}
	}

	if err := raster.Write(groupRasterPath(tmpDir, 0), g0); err != nil {
		t.Fatalf("raster.Write g0: %v", err)
	}
	if err := raster.Write(groupRasterPath(tmpDir, 1), g1); err != nil {
		t.Fatalf("raster.Write g1: %v", err)
	}

	meta := &Metadata{BufferPixels: overlap, TiffDatasetIDs: []string{"ds0", "ds1"}}
	outPath, err := Merge(tmpDir, meta)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	merged, err := raster.Read(outPath)
	if err != nil {
		t.Fatalf("raster.Read(%s): %v", outPath, err)
	}

	if merged.At(10, 10) != 100 {
		t.Errorf("far-left value = %v, want 100", merged.At(10, 10))
	}
	if merged.At(merged.Width-10, 10) != 200 {
		t.Errorf("far-right value = %v, want 200", merged.At(merged.Width-10, 10))
	}
	for i, v := range merged.Data {
		if v == raster.SentinelNoData {
			t.Fatalf("pixel %d is SENTINEL after merge, want fully covered", i)
		}
	}

	// The seam ridge sits where g0's own coverage ends (col = width/2+overlap);
	// the Gaussian-smoothstep blend spreads a few sigma around it.
	seamCol := merged.Width/2 + overlap - 2
	seamVal := merged.At(seamCol, merged.Height/2)
	if seamVal <= 100 || seamVal >= 200 {
		t.Errorf("seam value at col %d = %v, want strictly between 100 and 200 (blended)", seamCol, seamVal)
	}
}

func TestEncodeArchive_SingleTile(t *testing.T) {
	tmpDir := t.TempDir()
	macrotile := coord.TileID{Z: 12, X: 2130, Y: 1459}

	left, bottom, right, top, err := coord.TileBoundsMerc(macrotile)
	if err != nil {
		t.Fatalf("TileBoundsMerc: %v", err)
	}
	resolution, _ := coord.Resolution(macrotile.Z)
	r := flatRaster(left, bottom, right, top, resolution, 1000)

	mergedPath := filepath.Join(tmpDir, "merged.raster")
	if err := raster.Write(mergedPath, r); err != nil {
		t.Fatalf("raster.Write: %v", err)
	}

	enc, err := encode.NewEncoder("terrarium", 0)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}

	opts := archive.WriterOptions{
		MinZoom: macrotile.Z, MaxZoom: macrotile.Z,
		TileFormat: enc.ArchiveTileType(),
	}
	outPath := filepath.Join(tmpDir, "out.archive")

	checksum, err := EncodeArchive(mergedPath, macrotile, macrotile.Z, enc, opts, outPath, nil)
	if err != nil {
		t.Fatalf("EncodeArchive: %v", err)
	}
	if len(checksum) != 32 {
		t.Errorf("checksum = %q, want 32 hex chars", checksum)
	}

	reader, err := archive.OpenReader(outPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	if reader.NumTiles() != 1 {
		t.Fatalf("NumTiles() = %d, want 1", reader.NumTiles())
	}
	data, err := reader.ReadTile(macrotile.Z, macrotile.X, macrotile.Y)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	img, err := encode.DecodeImage(data, enc.Format())
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Bounds(), img, image.Point{}, draw.Src)
	elev := encode.TerrariumToElevation(rgba.RGBAAt(256, 256))
	if diff := elev - 1000; diff > 1.0/256 || diff < -1.0/256 {
		t.Errorf("center elevation = %v, want ~1000", elev)
	}
}

func TestEncodeArchive_Pyramid(t *testing.T) {
	tmpDir := t.TempDir()
	macrotile := coord.TileID{Z: 10, X: 100, Y: 200}
	childZ := macrotile.Z + 1

	left, bottom, right, top, err := coord.TileBoundsMerc(macrotile)
	if err != nil {
		t.Fatalf("TileBoundsMerc: %v", err)
	}
	resolution, _ := coord.Resolution(childZ)
	r := flatRaster(left, bottom, right, top, resolution, 500)

	mergedPath := filepath.Join(tmpDir, "merged.raster")
	if err := raster.Write(mergedPath, r); err != nil {
		t.Fatalf("raster.Write: %v", err)
	}

	enc, err := encode.NewEncoder("terrarium", 0)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	opts := archive.WriterOptions{MinZoom: macrotile.Z, MaxZoom: childZ, TileFormat: enc.ArchiveTileType()}
	outPath := filepath.Join(tmpDir, "pyramid.archive")

	if _, err := EncodeArchive(mergedPath, macrotile, childZ, enc, opts, outPath, nil); err != nil {
		t.Fatalf("EncodeArchive: %v", err)
	}

	reader, err := archive.OpenReader(outPath)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	// 1 root tile + 4 leaf tiles, fully covered (no SENTINEL) so all 5 exist.
	if reader.NumTiles() != 5 {
		t.Errorf("NumTiles() = %d, want 5", reader.NumTiles())
	}

	ids := reader.AllTileIDs()
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("tile_id not strictly ascending at %d: %d <= %d", i, ids[i], ids[i-1])
		}
	}

	data, err := reader.ReadTile(macrotile.Z, macrotile.X, macrotile.Y)
	if err != nil {
		t.Fatalf("ReadTile(root): %v", err)
	}
	img, err := encode.DecodeImage(data, enc.Format())
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != TileSize || bounds.Dy() != TileSize {
		t.Errorf("root tile size = %dx%d, want %dx%d", bounds.Dx(), bounds.Dy(), TileSize, TileSize)
	}
}
