package downsample

import (
	"fmt"
	"image"

	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/encode"
)

// Unit runs one downsampling work unit: combine the four children's own
// root tile (at childZ = parent.Z+1) into a single output tile for parent,
// and write it as the sole addressed tile of a new archive at outPath.
//
// A nil entry in readers means that quadrant's archive does not exist
// (§8's partial-coverage case — a macrotile at the edge of the dataset may
// have fewer than four live children). If every reader is nil, or every
// present reader has no data at its root tile, Unit writes an empty
// (zero-tile) archive and returns no error: an all-SENTINEL parent is a
// valid, if uninteresting, output.
func Unit(outPath string, parent coord.TileID, childZ int, readers [4]*archive.Reader, tileSize int, enc encode.Encoder, opts archive.WriterOptions) (string, error) {
	if childZ != parent.Z+1 {
		return "", fmt.Errorf("downsample: childZ %d must be parent.Z+1 (parent.Z=%d)", childZ, parent.Z)
	}

	children := Quadrant(parent, childZ)

	var imgs [4]image.Image
	for i, r := range readers {
		if r == nil {
			continue
		}
		raw, err := r.ReadTile(children[i].Z, children[i].X, children[i].Y)
		if err != nil {
			return "", fmt.Errorf("downsample: reading child %v: %w", children[i], err)
		}
		if raw == nil {
			continue
		}
		img, err := encode.DecodeImage(raw, enc.Format())
		if err != nil {
			return "", fmt.Errorf("downsample: decoding child %v: %w", children[i], err)
		}
		imgs[i] = img
	}

	merged, err := BuildParentTile(imgs, tileSize)
	if err != nil {
		return "", err
	}

	w, err := archive.NewWriter(outPath, opts)
	if err != nil {
		return "", fmt.Errorf("downsample: %w", err)
	}

	if merged != nil {
		data, err := enc.Encode(merged)
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

	checksum, err := w.Finalize(nil)
	if err != nil {
		return "", fmt.Errorf("downsample: finalizing %s: %w", outPath, err)
	}
	return checksum, nil
}
