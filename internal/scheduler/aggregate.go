// Package scheduler implements the Scheduler & Idempotency Layer (§4.7):
// dirty-unit discovery by snapshot diff, dispatch to a bounded worker pool,
// and the per-unit sentinel-gated closure that makes re-running the
// pipeline safe at any point.
//
// Grounded on original_source/pipelines/aggregation_run.py's `run`/`main`
// pair: the per-unit structure (reproject → merge → encode → rmtree(tmp) →
// touch(done)) and the dirty-set derivation against the previous snapshot
// are preserved exactly, with Python's multiprocessing.Pool replaced by
// golang.org/x/sync/errgroup's bounded goroutine pool — units here are
// independent units of in-process work rather than separate OS processes,
// but the filesystem contract (one tmp/ per unit, sentinels as the only
// cross-unit signal) is unchanged.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mapterhorn/pipeline/internal/aggregation"
	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/catalog"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/encode"
	"github.com/mapterhorn/pipeline/internal/pipeline"
)

// Options configures one Scheduler run: where the store lives, which
// snapshots to diff, how many units run concurrently, and the parameters
// every unit's Encode step needs.
type Options struct {
	StoreRoot          string
	CurrentSnapshotID  string
	PreviousSnapshotID string
	// Workers bounds concurrent units; 0 means unbounded (errgroup default).
	Workers     int
	Encoder     encode.Encoder
	HaloMeters  float64
	Attribution string
}

// Report summarizes one Scheduler run: which units finished, and which
// failed with which error kind (§7 "reports the set of failed unit keys").
type Report struct {
	Succeeded []string
	Failed    map[string]pipeline.Kind
	Errors    map[string]error
}

func newReport() *Report {
	return &Report{Failed: map[string]pipeline.Kind{}, Errors: map[string]error{}}
}

// RunAggregation dispatches every dirty aggregation unit (§4.7 steps 1-4) to
// a pool of at most Options.Workers concurrent goroutines. A failed unit
// does not stop the pool (§7); it is recorded in the returned Report and no
// sentinel is touched for it, so the next run retries it from whatever
// checkpoint its tmp/ directory reflects. Only ctx cancellation
// (pipeline.Interrupted) stops the run early and is returned as an error.
func RunAggregation(ctx context.Context, opts Options) (*Report, error) {
	units, err := DirtyAggregationUnits(opts.StoreRoot, opts.CurrentSnapshotID, opts.PreviousSnapshotID)
	if err != nil {
		return nil, err
	}

	report := newReport()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	if opts.Workers > 0 {
		g.SetLimit(opts.Workers)
	}

	for _, u := range units {
		u := u
		g.Go(func() error {
			err := runAggregationUnit(gctx, opts, u)
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

	waitErr := g.Wait()
	sort.Strings(report.Succeeded)
	if waitErr != nil {
		return report, waitErr
	}
	return report, nil
}

// runAggregationUnit is aggregation_run.py's `run` closure: Reproject →
// Merge → Encode, each gated by its own on-disk sentinel, followed by
// tmp/ cleanup and the -aggregation.done sentinel.
func runAggregationUnit(ctx context.Context, opts Options, u AggregationUnit) error {
	if ctx.Err() != nil {
		return pipeline.Interrupted
	}

	macrotile := coord.TileID{Z: u.Z, X: u.X, Y: u.Y}
	plan, err := catalog.LoadPlan(u.PlanPath, macrotile, u.ChildZ)
	if err != nil {
		return err
	}

	tmpDir := aggregationTmpDir(opts.StoreRoot, opts.CurrentSnapshotID, u.Z, u.X, u.Y, u.ChildZ)
	meta, err := aggregation.Reproject(plan, tmpDir, opts.HaloMeters)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return pipeline.Interrupted
	}

	mergedPath, err := aggregation.Merge(tmpDir, meta)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return pipeline.Interrupted
	}

	outPath := archivePath(opts.StoreRoot, u.Z, u.X, u.Y, u.ChildZ)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("scheduler: creating archive dir: %w", err)
	}
	writerOpts := archive.WriterOptions{
		MinZoom:     u.Z,
		MaxZoom:     u.ChildZ,
		TileFormat:  opts.Encoder.ArchiveTileType(),
		Attribution: opts.Attribution,
	}
	extra := map[string]string{"dataset_ids": strings.Join(meta.TiffDatasetIDs, ",")}
	if _, err := aggregation.EncodeArchive(mergedPath, macrotile, u.ChildZ, opts.Encoder, writerOpts, outPath, extra); err != nil {
		return err
	}

	if err := os.RemoveAll(tmpDir); err != nil {
		return fmt.Errorf("scheduler: removing %s: %w", tmpDir, err)
	}
	if err := touch(aggregationDonePath(opts.StoreRoot, opts.CurrentSnapshotID, u.Z, u.X, u.Y, u.ChildZ)); err != nil {
		return err
	}
	return nil
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("scheduler: touch %s: %w", path, err)
	}
	return f.Close()
}
