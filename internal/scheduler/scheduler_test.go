package scheduler

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/coord"
	"github.com/mapterhorn/pipeline/internal/encode"
	"github.com/mapterhorn/pipeline/internal/pipeline"
)

func writePlanFile(t *testing.T, dir string, z, x, y, cz int, content string) {
	t.Helper()
	path := filepath.Join(dir, unitKeyString(z, x, y, cz)+"-aggregation.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing plan %s: %v", path, err)
	}
}

func touchDone(t *testing.T, dir string, z, x, y, cz int) {
	t.Helper()
	path := filepath.Join(dir, unitKeyString(z, x, y, cz)+"-aggregation.done")
	if err := touch(path); err != nil {
		t.Fatalf("touching %s: %v", path, err)
	}
}

func TestDirtyAggregationUnits_NoPrevious(t *testing.T) {
	store := t.TempDir()
	dir := snapshotDir(store, "snap1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writePlanFile(t, dir, 12, 1, 1, 17, "a")
	writePlanFile(t, dir, 12, 2, 2, 17, "b")
	touchDone(t, dir, 12, 2, 2, 17)

	units, err := DirtyAggregationUnits(store, "snap1", "")
	if err != nil {
		t.Fatalf("DirtyAggregationUnits: %v", err)
	}
	if len(units) != 1 || units[0].Key() != "12-1-1-17" {
		t.Fatalf("units = %v, want only 12-1-1-17 (the other is already done)", units)
	}
}

func TestDirtyAggregationUnits_ByteDiff(t *testing.T) {
	store := t.TempDir()
	prevDir := snapshotDir(store, "snap0")
	curDir := snapshotDir(store, "snap1")
	os.MkdirAll(prevDir, 0o755)
	os.MkdirAll(curDir, 0o755)

	writePlanFile(t, prevDir, 10, 5, 5, 15, "unchanged")
	writePlanFile(t, curDir, 10, 5, 5, 15, "unchanged")

	writePlanFile(t, prevDir, 10, 6, 6, 15, "old content")
	writePlanFile(t, curDir, 10, 6, 6, 15, "new content")

	writePlanFile(t, curDir, 10, 7, 7, 15, "brand new key")

	units, err := DirtyAggregationUnits(store, "snap1", "snap0")
	if err != nil {
		t.Fatalf("DirtyAggregationUnits: %v", err)
	}
	keys := map[string]bool{}
	for _, u := range units {
		keys[u.Key()] = true
	}
	if keys["10-5-5-15"] {
		t.Errorf("unchanged plan reported dirty")
	}
	if !keys["10-6-6-15"] {
		t.Errorf("changed plan not reported dirty")
	}
	if !keys["10-7-7-15"] {
		t.Errorf("new plan not reported dirty")
	}
}

func TestExpectedPositions(t *testing.T) {
	nativeByZ := map[int]map[tilePos]struct{}{
		3: {
			{0, 0}: {}, {1, 0}: {}, {0, 1}: {}, {1, 1}: {},
		},
	}
	expected := expectedPositions(nativeByZ, 1, 3)

	if _, ok := expected[2][tilePos{0, 0}]; !ok {
		t.Errorf("level 2 missing parent (0,0)")
	}
	if _, ok := expected[1][tilePos{0, 0}]; !ok {
		t.Errorf("level 1 missing grandparent (0,0)")
	}
	if len(expected[2]) != 1 {
		t.Errorf("level 2 = %v, want exactly one parent position", expected[2])
	}
}

func writeFlatTerrariumArchive(t *testing.T, path string, z, x, y int, elevation float64) {
	t.Helper()
	enc, err := encode.NewEncoder("terrarium", 0)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	img := image.NewRGBA(image.Rect(0, 0, 512, 512))
	for py := 0; py < 512; py++ {
		for px := 0; px < 512; px++ {
			img.SetRGBA(px, py, encode.ElevationToTerrarium(elevation))
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	w, err := archive.NewWriter(path, archive.WriterOptions{MinZoom: z, MaxZoom: z, TileFormat: enc.ArchiveTileType()})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	data, err := enc.Encode(img)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := w.WriteTile(archive.ZXYToTileID(z, x, y), data); err != nil {
		t.Fatalf("WriteTile: %v", err)
	}
	if _, err := w.Finalize(nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestRunDownsampling_BuildsParentFromNativeChildren(t *testing.T) {
	store := t.TempDir()
	snapshotID := "snap1"
	dir := snapshotDir(store, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	children := []coord.TileID{{Z: 3, X: 0, Y: 0}, {Z: 3, X: 1, Y: 0}, {Z: 3, X: 0, Y: 1}, {Z: 3, X: 1, Y: 1}}
	for _, c := range children {
		writePlanFile(t, dir, c.Z, c.X, c.Y, 3, "plan")
		touchDone(t, dir, c.Z, c.X, c.Y, 3)
		writeFlatTerrariumArchive(t, archivePath(store, c.Z, c.X, c.Y, 3), c.Z, c.X, c.Y, 1000)
	}

	enc, err := encode.NewEncoder("terrarium", 0)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	opts := Options{StoreRoot: store, CurrentSnapshotID: snapshotID, Workers: 2, Encoder: enc}

	report, err := RunDownsampling(context.Background(), opts, 2)
	if err != nil {
		t.Fatalf("RunDownsampling: %v", err)
	}
	if len(report.Failed) != 0 {
		t.Fatalf("report.Failed = %v, want none", report.Failed)
	}
	if len(report.Succeeded) != 1 || report.Succeeded[0] != "2-0-0" {
		t.Fatalf("report.Succeeded = %v, want exactly [2-0-0]", report.Succeeded)
	}

	if _, err := os.Stat(downsamplingDonePath(store, snapshotID, 2, 0, 0)); err != nil {
		t.Errorf("downsampling.done sentinel not written: %v", err)
	}

	reader, err := archive.OpenReader(archivePath(store, 2, 0, 0, 2))
	if err != nil {
		t.Fatalf("OpenReader(parent archive): %v", err)
	}
	defer reader.Close()
	if reader.NumTiles() != 1 {
		t.Fatalf("NumTiles() = %d, want 1", reader.NumTiles())
	}
	data, err := reader.ReadTile(2, 0, 0)
	if err != nil {
		t.Fatalf("ReadTile: %v", err)
	}
	img, err := encode.DecodeImage(data, enc.Format())
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if img.Bounds().Dx() != 512 || img.Bounds().Dy() != 512 {
		t.Errorf("parent tile size = %v, want 512x512", img.Bounds())
	}

	// Re-running is a no-op: the sentinel short-circuits before any child
	// archive is reopened.
	report2, err := RunDownsampling(context.Background(), opts, 2)
	if err != nil {
		t.Fatalf("RunDownsampling (rerun): %v", err)
	}
	if len(report2.Succeeded) != 0 {
		t.Errorf("rerun report.Succeeded = %v, want empty (already done)", report2.Succeeded)
	}
}

func TestRunAggregation_MalformedPlanClassifiedAsPlanInvalid(t *testing.T) {
	store := t.TempDir()
	snapshotID := "snap1"
	dir := snapshotDir(store, snapshotID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Missing the required columns entirely: LoadPlan must reject this as
	// PlanInvalid before Reproject (and therefore the raster facade) is ever
	// reached.
	writePlanFile(t, dir, 9, 4, 4, 14, "not,a,valid,plan\n1,2,3,4\n")

	enc, err := encode.NewEncoder("terrarium", 0)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	opts := Options{StoreRoot: store, CurrentSnapshotID: snapshotID, Workers: 1, Encoder: enc}

	report, err := RunAggregation(context.Background(), opts)
	if err != nil {
		t.Fatalf("RunAggregation: %v", err)
	}
	if len(report.Succeeded) != 0 {
		t.Errorf("report.Succeeded = %v, want none", report.Succeeded)
	}
	kind, ok := report.Failed["9-4-4-14"]
	if !ok {
		t.Fatalf("report.Failed missing 9-4-4-14; got %v", report.Failed)
	}
	if kind != pipeline.KindPlanInvalid {
		t.Errorf("kind = %v, want PlanInvalid", kind)
	}
}
