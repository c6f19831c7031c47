package aggregation

import (
	"fmt"
	"os"

	"github.com/mapterhorn/pipeline/internal/raster"
)

// MergeFailed is raised when Merge finds no reprojected raster, cannot read
// one, or cannot write the merged raster.
type MergeFailed struct {
	Path string
	Err  error
}

func (e *MergeFailed) Error() string {
	return fmt.Sprintf("aggregation: merge: %s: %v", e.Path, e.Err)
}

func (e *MergeFailed) Unwrap() error { return e.Err }

// Merge combines meta's reprojected group rasters into one seamless raster,
// blending across group boundaries with a Gaussian-smoothstep weighted
// average within buffer_pixels of each seam. A single-group reprojection is
// a shortcut: its raster already has no seam, so it is used directly. Output
// is processed in TileSize blocks with an `overlap = buffer_pixels` halo on
// each side, matching the source pipeline's windowed merge.
func Merge(tmpDir string, meta *Metadata) (string, error) {
	n := len(meta.TiffDatasetIDs)
	if n == 0 {
		return "", &MergeFailed{Path: tmpDir, Err: fmt.Errorf("no reprojected rasters")}
	}

	outPath := groupRasterPath(tmpDir, n)
	if _, err := os.Stat(mergeDonePath(tmpDir)); err == nil {
		if n == 1 {
			return groupRasterPath(tmpDir, 0), nil
		}
		return outPath, nil
	}

	if n == 1 {
		if err := touch(mergeDonePath(tmpDir)); err != nil {
			return "", err
		}
		return groupRasterPath(tmpDir, 0), nil
	}

	rasters := make([]*raster.Raster, n)
	for i := 0; i < n; i++ {
		p := groupRasterPath(tmpDir, i)
		r, err := raster.Read(p)
		if err != nil {
			return "", &MergeFailed{Path: p, Err: err}
		}
		rasters[i] = r
	}

	base := rasters[0]
	out := raster.NewRaster(base.Left, base.Bottom, base.Right, base.Top, base.PixelSize, base.NoData)
	overlap := meta.BufferPixels

	for y := 0; y < base.Height; y += TileSize {
		for x := 0; x < base.Width; x += TileSize {
			yStart := maxInt(0, y-overlap)
			yEnd := minInt(base.Height, y+TileSize+overlap)
			xStart := maxInt(0, x-overlap)
			xEnd := minInt(base.Width, x+TileSize+overlap)
			w := xEnd - xStart
			h := yEnd - yStart

			merged := rasters[0].ReadWindow(xStart, yStart, w, h)

			if containsSentinel(merged) {
				mask := validMask(merged)
				boundary := andNotMask(mask, raster.BinaryErode3x3(mask, w, h))

				for gi := 1; gi < n; gi++ {
					current := rasters[gi].ReadWindow(xStart, yStart, w, h)
					for idx := range merged {
						if merged[idx] == raster.SentinelNoData && current[idx] != raster.SentinelNoData {
							merged[idx] = current[idx]
						}
					}
					if !containsSentinel(merged) {
						break
					}
					mask = validMask(merged)
					orInto(boundary, andNotMask(mask, raster.BinaryErode3x3(mask, w, h)))
				}

				zeroBorder(boundary, w, h)

				mask = validMask(merged)
				andInto(boundary, mask)

				if anyTrue(boundary) {
					const truncate = 4.0
					sigma := float64(overlap/int(truncate) - 1)

					boundaryFloat := toFloat64Mask(boundary)
					blurredBoundary := raster.GaussianFilter(boundaryFloat, w, h, sigma, truncate)
					peak := raster.GaussianPeak(sigma)
					for i := range blurredBoundary {
						v := blurredBoundary[i] / peak
						if v < 0 {
							v = 0
						}
						if v > 1 {
							v = 1
						}
						blurredBoundary[i] = raster.Smoothstep(v)
					}

					mergedFloat := toFloat64(merged)
					blurredMerged := raster.GaussianFilter(mergedFloat, w, h, sigma, truncate)

					for i := range merged {
						merged[i] = float32(blurredBoundary[i]*blurredMerged[i] + (1-blurredBoundary[i])*float64(merged[i]))
					}
				}
			}

			cropYStart, cropYEnd := 0, h
			if y > 0 {
				cropYStart = overlap
			}
			if yEnd < base.Height {
				cropYEnd -= overlap
			}
			cropXStart, cropXEnd := 0, w
			if x > 0 {
				cropXStart = overlap
			}
			if xEnd < base.Width {
				cropXEnd -= overlap
			}

			ow, oh := cropXEnd-cropXStart, cropYEnd-cropYStart
			cropped := make([]float32, ow*oh)
			for ry := 0; ry < oh; ry++ {
				srcOff := (cropYStart+ry)*w + cropXStart
				copy(cropped[ry*ow:(ry+1)*ow], merged[srcOff:srcOff+ow])
			}
			out.WriteWindow(x, y, ow, oh, cropped)
		}
	}

	if err := raster.Write(outPath, out); err != nil {
		return "", &MergeFailed{Path: outPath, Err: err}
	}
	if err := touch(mergeDonePath(tmpDir)); err != nil {
		return "", err
	}
	return outPath, nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("aggregation: touch %s: %w", path, err)
	}
	return f.Close()
}

func containsSentinel(v []float32) bool {
	for _, x := range v {
		if x == raster.SentinelNoData {
			return true
		}
	}
	return false
}

func validMask(v []float32) []bool {
	mask := make([]bool, len(v))
	for i, x := range v {
		mask[i] = x != raster.SentinelNoData
	}
	return mask
}

func andNotMask(a, b []bool) []bool {
	out := make([]bool, len(a))
	for i := range a {
		out[i] = a[i] && !b[i]
	}
	return out
}

func orInto(dst, src []bool) {
	for i := range dst {
		dst[i] = dst[i] || src[i]
	}
}

func andInto(dst, src []bool) {
	for i := range dst {
		dst[i] = dst[i] && src[i]
	}
}

func anyTrue(v []bool) bool {
	for _, b := range v {
		if b {
			return true
		}
	}
	return false
}

func zeroBorder(mask []bool, w, h int) {
	for x := 0; x < w; x++ {
		mask[x] = false
		mask[(h-1)*w+x] = false
	}
	for y := 0; y < h; y++ {
		mask[y*w] = false
		mask[y*w+w-1] = false
	}
}

func toFloat64Mask(mask []bool) []float64 {
	out := make([]float64, len(mask))
	for i, b := range mask {
		if b {
			out[i] = 1
		}
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
