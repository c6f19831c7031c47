package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mapterhorn/pipeline/internal/coord"
)

func writeTempSources(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadPlan_SingleGroup(t *testing.T) {
	dir := t.TempDir()
	writeTempSources(t, dir, "a.tif")

	planPath := filepath.Join(dir, "plan.csv")
	csv := "source,filename,dataset_id,maxzoom,group,priority\n" +
		"swisstopo," + filepath.Join(dir, "a.tif") + ",ds1,17,g0,0\n"
	if err := os.WriteFile(planPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := LoadPlan(planPath, coord.TileID{Z: 12, X: 2130, Y: 1459}, 17)
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if len(plan.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(plan.Groups))
	}
	if len(plan.Groups[0].Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(plan.Groups[0].Items))
	}
	if plan.TotalSourceFiles() != 1 {
		t.Errorf("TotalSourceFiles() = %d, want 1", plan.TotalSourceFiles())
	}
}

func TestLoadPlan_PriorityOrdering(t *testing.T) {
	dir := t.TempDir()
	writeTempSources(t, dir, "hi.tif", "lo.tif")

	planPath := filepath.Join(dir, "plan.csv")
	csv := "source,filename,dataset_id,maxzoom,group,priority\n" +
		"b," + filepath.Join(dir, "lo.tif") + ",ds2,12,g1,1\n" +
		"a," + filepath.Join(dir, "hi.tif") + ",ds1,12,g0,0\n"
	if err := os.WriteFile(planPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, err := LoadPlan(planPath, coord.TileID{Z: 6, X: 1, Y: 1}, 12)
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if len(plan.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(plan.Groups))
	}
	if plan.Groups[0].Items[0].Source != "a" {
		t.Errorf("expected highest-priority group first, got %q", plan.Groups[0].Items[0].Source)
	}
}

func TestLoadPlan_MissingSource(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.csv")
	csv := "source,filename,dataset_id,maxzoom,group,priority\n" +
		"a,/nonexistent/missing.tif,ds1,12,g0,0\n"
	if err := os.WriteFile(planPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadPlan(planPath, coord.TileID{Z: 6, X: 1, Y: 1}, 12); err == nil {
		t.Fatal("expected PlanInvalid for missing source")
	}
}

func TestLoadPlan_MissingColumn(t *testing.T) {
	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.csv")
	csv := "source,filename,dataset_id,maxzoom\na,f.tif,ds1,12\n"
	if err := os.WriteFile(planPath, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPlan(planPath, coord.TileID{Z: 6, X: 1, Y: 1}, 12); err == nil {
		t.Fatal("expected PlanInvalid for missing columns")
	}
}
