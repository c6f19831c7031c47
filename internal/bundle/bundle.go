// Package bundle implements the Bundle Assembler (§4.8): grouping the
// per-macrotile archives under pmtiles-store/ into a small number of
// larger, browser-friendly archives under bundle-store/, one per z=6
// ancestor (or a single planet-wide bundle for everything at childZ<=12).
//
// Grounded on original_source/pipelines/bundle.py: the parent-derivation
// rule, the dirty-parent set (always including the planet bundle), and
// create_archive's tile-id enumeration / amortized per-source loading /
// bounds-and-zoom union are all preserved. Python's pmtiles.writer.Writer
// and mercantile helpers are replaced by this module's own
// internal/archive and internal/coord packages.
package bundle

import (
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/paulmach/orb"

	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/coord"
)

// DefaultAttribution is the fixed attribution string bundle.py embeds in
// every bundle archive's metadata.
const DefaultAttribution = `<a href="https://mapterhorn.com/attribution">© Mapterhorn</a>`

// planetParent is the bundle parent for every archive whose childZ<=12:
// these are too coarse to be worth splitting across the z=6 grid, so they
// all fold into one planet-wide bundle.
var planetParent = coord.TileID{Z: 0, X: 0, Y: 0}

// Parent returns the bundle ancestor of a pmtiles-store archive spanning
// [z, childZ]: the planet root for childZ<=12, otherwise the z=6 ancestor
// of (z,x,y) (or the archive's own macrotile, if it is itself at z=6).
func Parent(z, x, y, childZ int) coord.TileID {
	if childZ <= 12 {
		return planetParent
	}
	if z == 6 {
		return coord.TileID{Z: 6, X: x, Y: y}
	}
	shift := uint(z - 6)
	return coord.TileID{Z: 6, X: x >> shift, Y: y >> shift}
}

// Name is the bundle's on-disk name: "planet" for the root bundle,
// otherwise "<z>-<x>-<y>".
func Name(parent coord.TileID) string {
	if parent == planetParent {
		return "planet"
	}
	return fmt.Sprintf("%d-%d-%d", parent.Z, parent.X, parent.Y)
}

// UnitKey is the (z,x,y,childZ) identity of one dirty aggregation unit, as
// reported by a Scheduler run. DirtyParents only looks at the fields it
// needs, so callers can pass scheduler.AggregationUnit values directly by
// naming the fields.
type UnitKey struct {
	Z, X, Y, ChildZ int
}

// DirtyParents computes which bundle parents need rebuilding, given the
// aggregation units a Scheduler run found dirty (§4.8 "a changed
// macrotile invalidates its bundle"). The planet bundle is always
// included: any dirty unit with childZ<=12 widens the planet bundle's own
// bounds/zoom range, and there is no cheaper way to know which inputs of
// that single bundle changed than to always rebuild it.
func DirtyParents(dirtyUnits []UnitKey) []coord.TileID {
	seen := map[coord.TileID]struct{}{planetParent: {}}
	parents := []coord.TileID{planetParent}
	for _, u := range dirtyUnits {
		if u.ChildZ < 13 {
			continue
		}
		p := Parent(u.Z, u.X, u.Y, u.ChildZ)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		parents = append(parents, p)
	}
	sort.Slice(parents, func(i, j int) bool { return Name(parents[i]) < Name(parents[j]) })
	return parents
}

var archiveFilenameRE = regexp.MustCompile(`^(\d+)-(\d+)-(\d+)-(\d+)\.pmtiles$`)

// SourceArchive is one archive discovered under pmtiles-store/: its
// macrotile key and the path to its file.
type SourceArchive struct {
	Z, X, Y, ChildZ int
	Path            string
}

// Discover walks storeRoot (pmtiles-store/) for every "<z>-<x>-<y>-<cz>.pmtiles"
// file, regardless of nesting, mirroring bundle.py's
// glob('pmtiles-store/*.pmtiles') + glob('pmtiles-store/*/*.pmtiles'). Results
// are sorted by path for deterministic grouping order.
func Discover(storeRoot string) ([]SourceArchive, error) {
	var out []SourceArchive
	err := filepath.WalkDir(storeRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d == nil {
				return nil // storeRoot itself missing: yield no archives
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := archiveFilenameRE.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		var z, x, y, cz int
		fmt.Sscanf(m[1], "%d", &z)
		fmt.Sscanf(m[2], "%d", &x)
		fmt.Sscanf(m[3], "%d", &y)
		fmt.Sscanf(m[4], "%d", &cz)
		out = append(out, SourceArchive{Z: z, X: x, Y: y, ChildZ: cz, Path: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: discovering archives under %s: %w", storeRoot, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// GroupByParent buckets archives by their bundle parent. When onlyDirty is
// true, archives whose parent is not in dirtyParents are dropped, matching
// get_parent_to_filepaths(only_dirty=True).
func GroupByParent(archives []SourceArchive, dirtyParents []coord.TileID, onlyDirty bool) map[coord.TileID][]SourceArchive {
	dirtySet := make(map[coord.TileID]struct{}, len(dirtyParents))
	for _, p := range dirtyParents {
		dirtySet[p] = struct{}{}
	}
	groups := map[coord.TileID][]SourceArchive{}
	for _, a := range archives {
		parent := Parent(a.Z, a.X, a.Y, a.ChildZ)
		if onlyDirty {
			if _, ok := dirtySet[parent]; !ok {
				continue
			}
		}
		groups[parent] = append(groups[parent], a)
	}
	return groups
}

type tileSource struct {
	tileID     uint64
	archiveIdx int
}

// BuildArchive assembles one bundle archive from a set of source pmtiles
// files, following create_archive: every source contributes its root tile
// (if z==childZ) or all of its childZ descendants; the combined tile list
// is sorted by tile_id and streamed out, loading at most one source
// archive fully into memory at a time (consecutive tiles from the same
// source, once sorted, is the common case since macrotiles cover disjoint
// spatial ranges). Bounds and zoom range are the union over every source's
// own macrotile footprint. Returns the written archive's MD5 checksum.
func BuildArchive(archives []SourceArchive, outPath string, attribution string) (string, error) {
	if len(archives) == 0 {
		return "", fmt.Errorf("bundle: BuildArchive: no source archives")
	}

	minZoom, maxZoom := math.MaxInt32, 0
	var union *orb.Bound

	var refs []tileSource
	for i, a := range archives {
		var tiles []coord.TileID
		if a.Z == a.ChildZ {
			tiles = []coord.TileID{{Z: a.Z, X: a.X, Y: a.Y}}
		} else {
			var err error
			tiles, err = coord.Children(coord.TileID{Z: a.Z, X: a.X, Y: a.Y}, a.ChildZ)
			if err != nil {
				return "", fmt.Errorf("bundle: enumerating descendants of %s: %w", a.Path, err)
			}
		}
		for _, t := range tiles {
			refs = append(refs, tileSource{tileID: archive.ZXYToTileID(t.Z, t.X, t.Y), archiveIdx: i})
		}

		if a.ChildZ > maxZoom {
			maxZoom = a.ChildZ
		}
		if a.ChildZ < minZoom {
			minZoom = a.ChildZ
		}

		west, south, east, north, err := coord.TileBoundsWGS84(coord.TileID{Z: a.Z, X: a.X, Y: a.Y})
		if err != nil {
			return "", fmt.Errorf("bundle: bounds of %s: %w", a.Path, err)
		}
		b := orb.Bound{Min: orb.Point{west, south}, Max: orb.Point{east, north}}
		if union == nil {
			union = &b
		} else {
			u := union.Union(b)
			union = &u
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].tileID < refs[j].tileID })

	writerOpts := archive.WriterOptions{
		MinZoom: minZoom,
		MaxZoom: maxZoom,
		Bounds: archive.Bounds{
			MinLon: union.Min.Lon(), MinLat: union.Min.Lat(),
			MaxLon: union.Max.Lon(), MaxLat: union.Max.Lat(),
		},
		TileFormat:  archive.TileTypeWebP,
		Attribution: attribution,
	}
	w, err := archive.NewWriter(outPath, writerOpts)
	if err != nil {
		return "", fmt.Errorf("bundle: creating writer for %s: %w", outPath, err)
	}

	lastIdx := -1
	var tileData map[uint64][]byte
	for _, ref := range refs {
		if ref.archiveIdx != lastIdx {
			tileData, err = loadFullArchive(archives[ref.archiveIdx].Path)
			if err != nil {
				w.Abort()
				return "", err
			}
			lastIdx = ref.archiveIdx
		}
		data, ok := tileData[ref.tileID]
		if !ok {
			w.Abort()
			return "", fmt.Errorf("bundle: tile %d missing from %s", ref.tileID, archives[lastIdx].Path)
		}
		if err := w.WriteTile(ref.tileID, data); err != nil {
			w.Abort()
			return "", fmt.Errorf("bundle: writing tile %d: %w", ref.tileID, err)
		}
	}

	checksum, err := w.Finalize(map[string]string{"attribution": attribution})
	if err != nil {
		return "", fmt.Errorf("bundle: finalizing %s: %w", outPath, err)
	}
	return checksum, nil
}

// loadFullArchive reads every tile out of a source pmtiles archive into
// memory, keyed by tile_id, mirroring read_full_archive.
func loadFullArchive(path string) (map[uint64][]byte, error) {
	r, err := archive.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: opening %s: %w", path, err)
	}
	defer r.Close()

	ids := r.AllTileIDs()
	out := make(map[uint64][]byte, len(ids))
	for _, id := range ids {
		data, err := r.ReadTileByID(id)
		if err != nil {
			return nil, fmt.Errorf("bundle: reading tile %d from %s: %w", id, path, err)
		}
		out[id] = data
	}
	return out, nil
}
