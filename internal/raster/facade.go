package raster

import (
	"fmt"

	"github.com/mapterhorn/pipeline/internal/cog"
)

// SourceMissing is raised by Warp/AssembleMosaic when a referenced source
// raster is absent or unreadable.
type SourceMissing struct {
	Path string
	Err  error
}

func (e *SourceMissing) Error() string {
	return fmt.Sprintf("raster: source missing: %s: %v", e.Path, e.Err)
}

func (e *SourceMissing) Unwrap() error { return e.Err }

// WarpFailed is raised when a warp cannot produce any valid output, e.g. the
// target extent does not intersect any source footprint.
type WarpFailed struct {
	Reason string
}

func (e *WarpFailed) Error() string { return "raster: warp failed: " + e.Reason }

// Mosaic is a virtual mosaic assembled from an ordered list of source
// raster files, in priority order (first file wins where footprints
// overlap), mirroring gdalbuildvrt's "first file wins" semantics.
type Mosaic struct {
	Sources []*cog.Reader
}

// AssembleMosaic opens every file in paths (failing the whole assembly if
// any one is missing or unreadable, per the Raster Toolkit's fail-fast
// pre-validation) and returns a virtual mosaic descriptor.
func AssembleMosaic(paths []string) (*Mosaic, error) {
	readers, err := cog.OpenAll(paths)
	if err != nil {
		return nil, &SourceMissing{Path: paths[0], Err: err}
	}
	return &Mosaic{Sources: readers}, nil
}

// Close releases every reader in the mosaic.
func (m *Mosaic) Close() {
	for _, r := range m.Sources {
		r.Close()
	}
}

// Resampling selects the kernel Warp uses to reconstruct pixel values.
type Resampling int

const (
	// ResamplingCubicSpline approximates gdalwarp's cubic-spline kernel
	// with a Catmull-Rom bicubic convolution — close enough to satisfy the
	// facade's documented 1e-3 relative tolerance when a different
	// numerical library stands in for the reference implementation.
	ResamplingCubicSpline Resampling = iota
	ResamplingBilinear
	ResamplingNearest
)

// Warp reprojects the mosaic into a new Raster covering
// [left,bottom,right,top] at the given pixel size, using nodata for pixels
// with no source coverage. The extent must already be pixel-aligned to
// pixelSize (the caller, Reproject, is responsible for alignment).
func (m *Mosaic) Warp(left, bottom, right, top, pixelSize float64, nodata float32, mode Resampling) (*Raster, error) {
	out := NewRaster(left, bottom, right, top, pixelSize, nodata)
	if len(m.Sources) == 0 {
		return nil, &WarpFailed{Reason: "empty mosaic"}
	}

	for row := 0; row < out.Height; row++ {
		// Web Mercator y grows north but raster rows grow south (row 0 = top).
		cy := top - (float64(row)+0.5)*pixelSize
		for col := 0; col < out.Width; col++ {
			cx := left + (float64(col)+0.5)*pixelSize
			v, ok := m.sampleFirstHit(cx, cy, mode)
			if ok {
				out.Set(col, row, v)
			}
		}
	}
	return out, nil
}

// sampleFirstHit returns the value of the first source in the mosaic (in
// priority order) that covers (cx, cy) in EPSG:3857 meters.
func (m *Mosaic) sampleFirstHit(cx, cy float64, mode Resampling) (float32, bool) {
	for _, src := range m.Sources {
		minX, minY, maxX, maxY := src.BoundsInCRS()
		if cx < minX || cx > maxX || cy < minY || cy > maxY {
			continue
		}
		w, h := src.Width(), src.Height()
		fx := (cx - minX) / (maxX - minX) * float64(w)
		fy := (maxY - cy) / (maxY - minY) * float64(h)

		var v float64
		var err error
		switch mode {
		case ResamplingNearest:
			v, err = nearestFloat(src, 0, fx, fy)
		default:
			v, err = bicubicFloat(src, 0, fx, fy, w, h, mode == ResamplingBilinear)
		}
		if err != nil {
			continue
		}
		return float32(v), true
	}
	return 0, false
}

func nearestFloat(src *cog.Reader, level int, fx, fy float64) (float64, error) {
	px, py := int(fx), int(fy)
	grid, w, _, err := src.ReadFloatTile(level, px/512, py/512)
	if err != nil {
		return 0, err
	}
	lx, ly := px%512, py%512
	return float64(grid[ly*w+lx]), nil
}

// bicubicFloat samples src at fractional pixel (fx, fy). When bilinear is
// true it uses a 2x2 bilinear kernel; otherwise a 4x4 Catmull-Rom bicubic
// kernel approximating cubic-spline resampling.
func bicubicFloat(src *cog.Reader, level int, fx, fy float64, w, h int, bilinear bool) (float64, error) {
	x0, y0 := int(fx), int(fy)
	tx, ty := fx-float64(x0), fy-float64(y0)

	sample := func(px, py int) (float64, bool) {
		if px < 0 || py < 0 || px >= w || py >= h {
			return 0, false
		}
		v, err := readFloatPixel(src, level, px, py)
		if err != nil {
			return 0, false
		}
		return v, true
	}

	if bilinear {
		v00, ok00 := sample(x0, y0)
		v10, ok10 := sample(x0+1, y0)
		v01, ok01 := sample(x0, y0+1)
		v11, ok11 := sample(x0+1, y0+1)
		if !ok00 || !ok10 || !ok01 || !ok11 {
			if ok00 {
				return v00, nil
			}
			return 0, fmt.Errorf("out of bounds")
		}
		top := v00*(1-tx) + v10*tx
		bot := v01*(1-tx) + v11*tx
		return top*(1-ty) + bot*ty, nil
	}

	var rows [4]float64
	anyOK := false
	for j := -1; j <= 2; j++ {
		var cols [4]float64
		for i := -1; i <= 2; i++ {
			v, ok := sample(x0+i, y0+j)
			if ok {
				anyOK = true
			}
			cols[i+1] = v
		}
		rows[j+1] = cubicInterp(cols[0], cols[1], cols[2], cols[3], tx)
	}
	if !anyOK {
		return 0, fmt.Errorf("out of bounds")
	}
	return cubicInterp(rows[0], rows[1], rows[2], rows[3], ty), nil
}

// cubicInterp is the Catmull-Rom cubic convolution kernel.
func cubicInterp(p0, p1, p2, p3, t float64) float64 {
	a := -0.5*p0 + 1.5*p1 - 1.5*p2 + 0.5*p3
	b := p0 - 2.5*p1 + 2*p2 - 0.5*p3
	c := -0.5*p0 + 0.5*p2
	d := p1
	return a*t*t*t + b*t*t + c*t + d
}

func readFloatPixel(src *cog.Reader, level, px, py int) (float64, error) {
	grid, w, _, err := src.ReadFloatTile(level, px/512, py/512)
	if err != nil {
		return 0, err
	}
	lx, ly := px%512, py%512
	return float64(grid[ly*w+lx]), nil
}

// TranslateFailed is raised when persisting a Raster to its scratch
// representation fails.
type TranslateFailed struct {
	Path string
	Err  error
}

func (e *TranslateFailed) Error() string {
	return fmt.Sprintf("raster: translate %s: %v", e.Path, e.Err)
}

func (e *TranslateFailed) Unwrap() error { return e.Err }

// Translate persists r to path as a tiled, sparse-OK scratch raster (the
// facade's "translate to cloud-optimized tiled output" capability).
func Translate(r *Raster, path string) error {
	if err := Write(path, r); err != nil {
		return &TranslateFailed{Path: path, Err: err}
	}
	return nil
}
