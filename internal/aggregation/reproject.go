package aggregation

import (
	"fmt"
	"os"

	"github.com/mapterhorn/pipeline/internal/catalog"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/raster"
)

// Reproject warps each of plan's groups, highest priority first, into the
// macrotile's expanded extent at one common pixel size, the resolution of
// the first group's MaxZoom (the plan's child_z), stopping as
// soon as a group leaves no SENTINEL pixel (the remaining, lower-priority
// groups are then unnecessary). Already-reprojected macrotiles short-circuit
// by reading the persisted reprojection.json, matching the source
// pipeline's per-step idempotency.
func Reproject(plan *catalog.Plan, tmpDir string, haloMeters float64) (*Metadata, error) {
	if m, err := loadMetadata(tmpDir); err == nil {
		return m, nil
	}

	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("aggregation: creating %s: %w", tmpDir, err)
	}

	groups := plan.GroupedSourceItems()
	resolution, err := coord.Resolution(groups[0].MaxZoom)
	if err != nil {
		return nil, fmt.Errorf("aggregation: resolution at zoom %d: %w", groups[0].MaxZoom, err)
	}

	bufferPixels := 0
	var buffer3857 float64
	if len(groups) > 1 || plan.TotalSourceFiles() > 1 {
		bufferPixels = int(haloMeters / resolution)
		buffer3857 = float64(bufferPixels) * resolution
	}

	left, bottom, right, top, err := coord.TileBoundsMerc(plan.Macrotile)
	if err != nil {
		return nil, fmt.Errorf("aggregation: macrotile bounds: %w", err)
	}
	left -= buffer3857
	bottom -= buffer3857
	right += buffer3857
	top += buffer3857

	var tiffDatasetIDs []string
	for i, group := range groups {
		paths := make([]string, len(group.Items))
		for j, it := range group.Items {
			paths[j] = it.Filename
		}

		mosaic, err := raster.AssembleMosaic(paths)
		if err != nil {
			return nil, err
		}

		warped, err := mosaic.Warp(left, bottom, right, top, resolution, raster.SentinelNoData, raster.ResamplingCubicSpline)
		mosaic.Close()
		if err != nil {
			return nil, err
		}

		outPath := groupRasterPath(tmpDir, i)
		if err := raster.Translate(warped, outPath); err != nil {
			return nil, err
		}
		tiffDatasetIDs = append(tiffDatasetIDs, group.Items[0].DatasetID)

		if len(groups) > 1 && !warped.HasNoData() {
			break
		}
	}

	meta := &Metadata{BufferPixels: bufferPixels, TiffDatasetIDs: tiffDatasetIDs}
	if err := writeMetadata(tmpDir, meta); err != nil {
		return nil, fmt.Errorf("aggregation: writing reprojection.json: %w", err)
	}
	return meta, nil
}
