// Package downsample implements the Downsampling Engine (§4.5): building a
// parent macrotile's archive from its four children by 2x2 valid-pixel-only
// mean averaging in elevation space, decoded from and re-encoded to
// Terrarium RGB.
//
// The averaging core is grounded on the teacher's
// internal/tile/downsample.go ("downsampleTileTerrarium" and its
// quadrant helpers), generalized from the teacher's single in-process tile
// pyramid to four independently-opened archive.Reader sources (one per
// child macrotile, per the pipeline's process-per-unit isolation model).
package downsample

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/encode"
)

// DependencyNotReady is returned when a downsample unit is dispatched
// before all four children have completed (§7).
type DependencyNotReady struct {
	Parent coord.TileID
}

func (e *DependencyNotReady) Error() string {
	return fmt.Sprintf("downsample: parent %v dispatched before children were ready", e.Parent)
}

// ChildSource names one of a parent tile's four children and the archive
// that holds its tiles.
type ChildSource struct {
	Tile   coord.TileID
	Reader *archive.Reader
}

// Quadrant identifies the four children of a parent tile in
// top-left/top-right/bottom-left/bottom-right order, matching the teacher's
// convention: (2x,2y), (2x+1,2y), (2x,2y+1), (2x+1,2y+1).
func Quadrant(parent coord.TileID, childZ int) [4]coord.TileID {
	return [4]coord.TileID{
		{Z: childZ, X: parent.X * 2, Y: parent.Y * 2},
		{Z: childZ, X: parent.X*2 + 1, Y: parent.Y * 2},
		{Z: childZ, X: parent.X * 2, Y: parent.Y*2 + 1},
		{Z: childZ, X: parent.X*2 + 1, Y: parent.Y*2 + 1},
	}
}

// BuildParentTile assembles one output tile at (parent.Z, parent.X, parent.Y)
// by averaging up to four child tiles read from children (each may be nil
// if that quadrant has no data at this zoom — "partial coverage" per §8's
// nodata-flow invariant). It returns nil, nil if every child is nil or
// entirely nodata.
func BuildParentTile(children [4]image.Image, tileSize int) (image.Image, error) {
	var rgbas [4]*image.RGBA
	any := false
	for i, img := range children {
		if img == nil {
			continue
		}
		rgbas[i] = toRGBA(img)
		any = true
	}
	if !any {
		return nil, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, tileSize, tileSize))
	half := tileSize / 2

	offsets := [4][2]int{{0, 0}, {half, 0}, {0, half}, {half, half}}
	for i, src := range rgbas {
		if src == nil {
			continue
		}
		downsampleQuadrantTerrarium(dst, src, offsets[i][0], offsets[i][1], half, tileSize)
	}

	if allTransparent(dst) {
		return nil, nil
	}
	return dst, nil
}

// downsampleQuadrantTerrarium decodes Terrarium RGB to elevation, averages
// the valid (alpha != 0) values among each 2x2 source block, and re-encodes
// to Terrarium RGB — the §8 "downsample averaging" invariant: output equals
// mean of the non-SENTINEL children within +/-1 terrarium LSB.
func downsampleQuadrantTerrarium(dst *image.RGBA, src *image.RGBA, dstOffX, dstOffY, half, tileSize int) {
	for dy := 0; dy < half; dy++ {
		for dx := 0; dx < half; dx++ {
			sx, sy := dx*2, dy*2

			p00 := srcPixel(src, sx, sy, tileSize)
			p10 := srcPixel(src, sx+1, sy, tileSize)
			p01 := srcPixel(src, sx, sy+1, tileSize)
			p11 := srcPixel(src, sx+1, sy+1, tileSize)

			var sum float64
			var count int
			for _, p := range [4]color.RGBA{p00, p10, p01, p11} {
				if p.A == 0 {
					continue
				}
				elev := encode.TerrariumToElevation(p)
				if !math.IsNaN(elev) {
					sum += elev
					count++
				}
			}

			if count == 0 {
				continue // alpha stays 0: all four source pixels were SENTINEL
			}

			dst.SetRGBA(dstOffX+dx, dstOffY+dy, encode.ElevationToTerrarium(sum/float64(count)))
		}
	}
}

func srcPixel(src *image.RGBA, x, y, tileSize int) color.RGBA {
	if x >= tileSize {
		x = tileSize - 1
	}
	if y >= tileSize {
		y = tileSize - 1
	}
	return src.RGBAAt(x, y)
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba
}

func allTransparent(img *image.RGBA) bool {
	pix := img.Pix
	for i := 3; i < len(pix); i += 4 {
		if pix[i] != 0 {
			return false
		}
	}
	return true
}

// BuildUnit is one downsampling work unit: it reads each ready child's root
// tile from children, averages them into parent's single output tile, and
// writes a one-tile archive at outPath. A nil Reader in children means that
// quadrant had no coverage at childZ (§8 nodata flow); BuildUnit does not
// itself check readiness — the Scheduler verifies every non-nil child
// carries its -done sentinel before dispatch (DependencyNotReady).
func BuildUnit(parent coord.TileID, children [4]ChildSource, tileSize int, enc encode.Encoder, opts archive.WriterOptions, outPath string, extraMetadata map[string]string) (string, error) {
	var imgs [4]image.Image
	for i, c := range children {
		if c.Reader == nil {
			continue
		}
		data, err := c.Reader.ReadTile(c.Tile.Z, c.Tile.X, c.Tile.Y)
		if err != nil {
			return "", fmt.Errorf("downsample: reading child tile %v: %w", c.Tile, err)
		}
		if data == nil {
			continue // child archive exists but has no tile at this position: treat as SENTINEL quadrant
		}
		img, err := encode.DecodeImage(data, enc.Format())
		if err != nil {
			return "", fmt.Errorf("downsample: decoding child tile %v: %w", c.Tile, err)
		}
		imgs[i] = img
	}

	parentImg, err := BuildParentTile(imgs, tileSize)
	if err != nil {
		return "", fmt.Errorf("downsample: building parent %v: %w", parent, err)
	}

	w, err := archive.NewWriter(outPath, opts)
	if err != nil {
		return "", fmt.Errorf("downsample: opening writer: %w", err)
	}
	if parentImg != nil {
		data, err := enc.Encode(parentImg)
		if err != nil {
			w.Abort()
			return "", fmt.Errorf("downsample: encoding parent tile: %w", err)
		}
		tileID := archive.ZXYToTileID(parent.Z, parent.X, parent.Y)
		if err := w.WriteTile(tileID, data); err != nil {
			w.Abort()
			return "", fmt.Errorf("downsample: writing parent tile: %w", err)
		}
	}

	checksum, err := w.Finalize(extraMetadata)
	if err != nil {
		return "", fmt.Errorf("downsample: finalizing archive: %w", err)
	}
	return checksum, nil
}
