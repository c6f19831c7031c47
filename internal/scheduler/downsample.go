package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mapterhorn/pipeline/internal/aggregation"
	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/downsample"
	"github.com/mapterhorn/pipeline/internal/pipeline"
)

// DownsamplingUnit names one output tile the Downsampling Engine builds by
// averaging its four children (§4.5). Unlike an AggregationUnit it has no
// ChildZ of its own: its archive is a single tile at (Z,X,Y).
type DownsamplingUnit struct {
	Z, X, Y int
}

// Key is the unit's "<z>-<x>-<y>" identity.
func (u DownsamplingUnit) Key() string { return downsamplingKeyString(u.Z, u.X, u.Y) }

type tilePos struct{ x, y int }

type macrotileKey struct{ z, x, y int }

// expectedPositions builds, for every zoom from maxZoom down to minZoom,
// the set of tile positions the full pyramid is expected to eventually
// cover: native plan positions at that exact zoom, unioned with the
// parents of the level immediately below.
func expectedPositions(nativeByZ map[int]map[tilePos]struct{}, minZoom, maxZoom int) map[int]map[tilePos]struct{} {
	expected := make(map[int]map[tilePos]struct{})
	for z := maxZoom; z >= minZoom; z-- {
		level := map[tilePos]struct{}{}
		for p := range nativeByZ[z] {
			level[p] = struct{}{}
		}
		if below, ok := expected[z+1]; ok {
			for p := range below {
				level[tilePos{p.x / 2, p.y / 2}] = struct{}{}
			}
		}
		expected[z] = level
	}
	return expected
}

// RunDownsampling builds the pyramid above every native macrotile's own
// zoom, one level at a time, up to and including minZoom (§4.5). A level's
// units run concurrently through the same bounded pool RunAggregation uses;
// the next (coarser) level is not started until the current one finishes,
// since every unit in it may depend on this level's -downsampling.done (or
// -aggregation.done) sentinels (§5 "Across stages").
func RunDownsampling(ctx context.Context, opts Options, minZoom int) (*Report, error) {
	plans, err := listPlans(opts.StoreRoot, opts.CurrentSnapshotID)
	if err != nil {
		return nil, err
	}

	native := map[macrotileKey]AggregationUnit{}
	maxZ := minZoom
	for _, u := range plans {
		native[macrotileKey{u.Z, u.X, u.Y}] = u
		if u.Z > maxZ {
			maxZ = u.Z
		}
	}

	nativeByZ := map[int]map[tilePos]struct{}{}
	for k := range native {
		if nativeByZ[k.z] == nil {
			nativeByZ[k.z] = map[tilePos]struct{}{}
		}
		nativeByZ[k.z][tilePos{k.x, k.y}] = struct{}{}
	}
	expected := expectedPositions(nativeByZ, minZoom, maxZ)

	isDone := func(z, x, y int) bool {
		if u, ok := native[macrotileKey{z, x, y}]; ok {
			_, err := os.Stat(aggregationDonePath(opts.StoreRoot, opts.CurrentSnapshotID, z, x, y, u.ChildZ))
			return err == nil
		}
		_, err := os.Stat(downsamplingDonePath(opts.StoreRoot, opts.CurrentSnapshotID, z, x, y))
		return err == nil
	}

	report := newReport()

	for z := maxZ; z > minZoom; z-- {
		level, ok := expected[z]
		if !ok {
			continue
		}

		parents := map[tilePos]struct{}{}
		for p := range level {
			parents[tilePos{p.x / 2, p.y / 2}] = struct{}{}
		}

		var dispatch []DownsamplingUnit
		for p := range parents {
			if _, isNative := native[macrotileKey{z - 1, p.x, p.y}]; isNative {
				continue // this position's own aggregation owns its tiles
			}
			if _, err := os.Stat(downsamplingDonePath(opts.StoreRoot, opts.CurrentSnapshotID, z-1, p.x, p.y)); err == nil {
				continue
			}
			ready := true
			for _, c := range downsample.Quadrant(coord.TileID{Z: z - 1, X: p.x, Y: p.y}, z) {
				if _, expectedChild := level[tilePos{c.X, c.Y}]; expectedChild && !isDone(c.Z, c.X, c.Y) {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			dispatch = append(dispatch, DownsamplingUnit{Z: z - 1, X: p.x, Y: p.y})
		}
		sort.Slice(dispatch, func(i, j int) bool { return dispatch[i].Key() < dispatch[j].Key() })

		g, gctx := errgroup.WithContext(ctx)
		if opts.Workers > 0 {
			g.SetLimit(opts.Workers)
		}
		var mu sync.Mutex
		for _, u := range dispatch {
			u := u
			g.Go(func() error {
				err := runDownsamplingUnit(gctx, opts, u, z, level, native)
				kind := pipeline.Classify(err)
				if kind == pipeline.KindInterrupted {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Failed[u.Key()] = kind
					report.Errors[u.Key()] = err
					return nil
				}
				report.Succeeded = append(report.Succeeded, u.Key())
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			sort.Strings(report.Succeeded)
			return report, err
		}
	}

	sort.Strings(report.Succeeded)
	return report, nil
}

// runDownsamplingUnit opens each ready child's archive (the native
// aggregation archive if the child is itself a macrotile, otherwise the
// single-tile archive a prior downsampling unit produced), builds the
// parent tile via downsample.BuildUnit, and touches -downsampling.done.
func runDownsamplingUnit(ctx context.Context, opts Options, u DownsamplingUnit, childZ int, level map[tilePos]struct{}, native map[macrotileKey]AggregationUnit) error {
	if ctx.Err() != nil {
		return pipeline.Interrupted
	}

	parent := coord.TileID{Z: u.Z, X: u.X, Y: u.Y}
	children := downsample.Quadrant(parent, childZ)

	var sources [4]downsample.ChildSource
	for i, c := range children {
		sources[i] = downsample.ChildSource{Tile: c}
		if _, expectedChild := level[tilePos{c.X, c.Y}]; !expectedChild {
			continue
		}
		var archivePathForChild string
		if nu, ok := native[macrotileKey{c.Z, c.X, c.Y}]; ok {
			archivePathForChild = archivePath(opts.StoreRoot, c.Z, c.X, c.Y, nu.ChildZ)
		} else {
			archivePathForChild = archivePath(opts.StoreRoot, c.Z, c.X, c.Y, c.Z)
		}
		reader, err := archive.OpenReader(archivePathForChild)
		if err != nil {
			return fmt.Errorf("scheduler: opening child archive %s: %w", archivePathForChild, err)
		}
		defer reader.Close()
		sources[i].Reader = reader
	}

	for i, c := range children {
		if _, expectedChild := level[tilePos{c.X, c.Y}]; expectedChild && sources[i].Reader == nil {
			return &downsample.DependencyNotReady{Parent: parent}
		}
	}

	outPath := archivePath(opts.StoreRoot, u.Z, u.X, u.Y, u.Z)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("scheduler: creating archive dir: %w", err)
	}
	writerOpts := archive.WriterOptions{
		MinZoom:     u.Z,
		MaxZoom:     u.Z,
		TileFormat:  opts.Encoder.ArchiveTileType(),
		Attribution: opts.Attribution,
	}
	if _, err := downsample.BuildUnit(parent, sources, aggregation.TileSize, opts.Encoder, writerOpts, outPath, nil); err != nil {
		return err
	}

	return touch(downsamplingDonePath(opts.StoreRoot, opts.CurrentSnapshotID, u.Z, u.X, u.Y))
}
