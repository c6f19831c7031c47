package aggregation

import (
	"fmt"
	"image"
	"sort"

	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/downsample"
	"github.com/mapterhorn/pipeline/internal/encode"
	"github.com/mapterhorn/pipeline/internal/raster"
)

// EncodeFailed is raised when the merged raster cannot be read back or the
// archive cannot be written.
type EncodeFailed struct {
	Reason string
	Err    error
}

func (e *EncodeFailed) Error() string {
	return fmt.Sprintf("aggregation: encode: %s: %v", e.Reason, e.Err)
}

func (e *EncodeFailed) Unwrap() error { return e.Err }

// EncodeArchive terrarium-encodes mergedPath's elevation raster into the
// archive for macrotile, producing every zoom level from macrotile.Z
// (root, one tile) down to childZ (the plan's native resolution, fully
// tiled), each coarser level built by 2x2 valid-pixel averaging of the
// level below it — the same averaging core the Downsampling Engine uses
// across macrotile boundaries (internal/downsample.BuildParentTile),
// applied here within a single macrotile's own sub-pyramid.
func EncodeArchive(mergedPath string, macrotile coord.TileID, childZ int, enc encode.Encoder, opts archive.WriterOptions, outPath string, extraMetadata map[string]string) (string, error) {
	merged, err := raster.Read(mergedPath)
	if err != nil {
		return "", &EncodeFailed{Reason: "reading merged raster", Err: err}
	}

	span := childZ - macrotile.Z
	if span < 0 {
		return "", &EncodeFailed{Reason: "invalid zoom range", Err: fmt.Errorf("childZ %d < macrotile.Z %d", childZ, macrotile.Z)}
	}
	n := 1 << uint(span)

	if merged.Width != n*TileSize || merged.Height != n*TileSize {
		return "", &EncodeFailed{Reason: "merged raster size mismatch", Err: fmt.Errorf("got %dx%d, want %dx%d", merged.Width, merged.Height, n*TileSize, n*TileSize)}
	}

	type coordKey struct{ x, y int }
	levels := make([]map[coordKey]image.Image, span+1) // levels[d] is macrotile.Z+d
	leaf := make(map[coordKey]image.Image, n*n)
	for ty := 0; ty < n; ty++ {
		for tx := 0; tx < n; tx++ {
			window := merged.ReadWindow(tx*TileSize, ty*TileSize, TileSize, TileSize)
			img := terrariumTileFromElevations(window, TileSize)
			if img != nil {
				leaf[coordKey{tx, ty}] = img
			}
		}
	}
	levels[span] = leaf

	for d := span; d > 0; d-- {
		cur := levels[d]
		nAtLevel := 1 << uint(d)
		next := make(map[coordKey]image.Image, (nAtLevel/2)*(nAtLevel/2))
		for y := 0; y < nAtLevel; y += 2 {
			for x := 0; x < nAtLevel; x += 2 {
				children := [4]image.Image{
					cur[coordKey{x, y}],
					cur[coordKey{x + 1, y}],
					cur[coordKey{x, y + 1}],
					cur[coordKey{x + 1, y + 1}],
				}
				parent, err := downsample.BuildParentTile(children, TileSize)
				if err != nil {
					return "", &EncodeFailed{Reason: "building overview level", Err: err}
				}
				if parent != nil {
					next[coordKey{x / 2, y / 2}] = parent
				}
			}
		}
		levels[d-1] = next
	}

	type tileRecord struct {
		tileID uint64
		img    image.Image
	}
	var records []tileRecord
	for d := 0; d <= span; d++ {
		z := macrotile.Z + d
		nAtLevel := 1 << uint(d)
		x0 := macrotile.X * nAtLevel
		y0 := macrotile.Y * nAtLevel
		for k, img := range levels[d] {
			records = append(records, tileRecord{
				tileID: archive.ZXYToTileID(z, x0+k.x, y0+k.y),
				img:    img,
			})
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].tileID < records[j].tileID })

	w, err := archive.NewWriter(outPath, opts)
	if err != nil {
		return "", &EncodeFailed{Reason: "opening writer", Err: err}
	}
	for _, rec := range records {
		data, err := enc.Encode(rec.img)
		if err != nil {
			w.Abort()
			return "", &EncodeFailed{Reason: "encoding tile", Err: err}
		}
		if err := w.WriteTile(rec.tileID, data); err != nil {
			w.Abort()
			return "", &EncodeFailed{Reason: "writing tile", Err: err}
		}
	}

	checksum, err := w.Finalize(extraMetadata)
	if err != nil {
		return "", &EncodeFailed{Reason: "finalizing archive", Err: err}
	}
	return checksum, nil
}

// terrariumTileFromElevations builds a tileSize x tileSize Terrarium RGBA
// image from a row-major elevation window, leaving SENTINEL pixels
// transparent. Returns nil if every pixel is SENTINEL.
func terrariumTileFromElevations(window []float32, tileSize int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	any := false
	for y := 0; y < tileSize; y++ {
		for x := 0; x < tileSize; x++ {
			v := window[y*tileSize+x]
			if v == raster.SentinelNoData {
				continue
			}
			img.SetRGBA(x, y, encode.ElevationToTerrarium(float64(v)))
			any = true
		}
	}
	if !any {
		return nil
	}
	return img
}
