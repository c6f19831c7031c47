// Package aggregation implements the Aggregation Engine: Reproject, Merge,
// and Encode, the three steps that turn a macrotile's plan into a finished
// tile archive.
//
// Grounded line-for-line on original_source/pipelines/aggregation_reproject.py
// (buffer computation, per-group warp/translate/early-exit loop,
// reprojection.json sentinel) and aggregation_merge.py (block-wise erosion +
// boundary accumulation + Gaussian-smoothstep blend, exact normalization
// constants), operating over internal/raster's native Facade instead of
// shelling out to gdalwarp/gdal_translate.
package aggregation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TileSize is the pixel width/height of one archive tile, and the block size
// Merge processes the merged raster in.
const TileSize = 512

// MacrotileHaloMeters is the pipeline-wide halo constant B (meters) used to
// size the reprojection buffer. The source corpus references this value
// (utils.macrotile_buffer_3857) without defining it anywhere in the
// retrieved files; 4096m was chosen as a default generous enough to contain
// a full Gaussian seam-blend kernel at typical DEM resolutions while
// remaining a small fraction of a 512-pixel macrotile's extent. Callers
// needing a different halo should pass their own via internal/config.
const MacrotileHaloMeters = 4096.0

// Metadata is the persisted result of Reproject: how much halo was applied
// and which dataset each surviving group contributed, recorded to
// reprojection.json.
type Metadata struct {
	BufferPixels   int      `json:"buffer_pixels"`
	TiffDatasetIDs []string `json:"tiff_dataset_ids"`
}

func metadataPath(tmpDir string) string {
	return filepath.Join(tmpDir, "reprojection.json")
}

func mergeDonePath(tmpDir string) string {
	return filepath.Join(tmpDir, "merge-done")
}

func groupRasterPath(tmpDir string, i int) string {
	return filepath.Join(tmpDir, fmt.Sprintf("%d-3857.tiff", i))
}

// loadMetadata reads a previously persisted reprojection.json.
func loadMetadata(tmpDir string) (*Metadata, error) {
	data, err := os.ReadFile(metadataPath(tmpDir))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("aggregation: decoding %s: %w", metadataPath(tmpDir), err)
	}
	return &m, nil
}

func writeMetadata(tmpDir string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(tmpDir), data, 0o644)
}
