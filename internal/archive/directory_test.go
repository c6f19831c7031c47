package archive

import "testing"

func TestZXYToTileID_Z0(t *testing.T) {
	if id := ZXYToTileID(0, 0, 0); id != 0 {
		t.Errorf("ZXYToTileID(0,0,0) = %d, want 0", id)
	}
}

func TestZXYToTileID_UniqueAtZ2(t *testing.T) {
	ids := make(map[uint64]bool)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			id := ZXYToTileID(2, x, y)
			if ids[id] {
				t.Errorf("ZXYToTileID(2,%d,%d) = %d is duplicate", x, y, id)
			}
			ids[id] = true
		}
	}
	if len(ids) != 16 {
		t.Errorf("got %d unique IDs at z2, want 16", len(ids))
	}
}

func TestZXYToTileID_Monotonic(t *testing.T) {
	maxZ1 := uint64(0)
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			if id := ZXYToTileID(1, x, y); id > maxZ1 {
				maxZ1 = id
			}
		}
	}
	minZ2 := ^uint64(0)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			if id := ZXYToTileID(2, x, y); id < minZ2 {
				minZ2 = id
			}
		}
	}
	if minZ2 <= maxZ1 {
		t.Errorf("min z2 ID (%d) should be > max z1 ID (%d)", minZ2, maxZ1)
	}
}

func TestZXYToTileID_RoundTrip(t *testing.T) {
	for z := 0; z <= 4; z++ {
		n := 1 << z
		for y := 0; y < n; y++ {
			for x := 0; x < n; x++ {
				id := ZXYToTileID(z, x, y)
				gz, gx, gy := TileIDToZXY(id)
				if gz != z || gx != x || gy != y {
					t.Errorf("roundtrip (%d,%d,%d) -> %d -> (%d,%d,%d)", z, x, y, id, gz, gx, gy)
				}
			}
		}
	}
}

func TestOptimizeRunLengths_Consecutive(t *testing.T) {
	entries := []Entry{
		{TileID: 10, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 11, Offset: 100, Length: 100, RunLength: 1},
		{TileID: 12, Offset: 200, Length: 100, RunLength: 1},
	}
	result := optimizeRunLengths(entries)
	if len(result) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(result))
	}
	if result[0].RunLength != 3 {
		t.Errorf("RunLength = %d, want 3", result[0].RunLength)
	}
}

func TestOptimizeRunLengths_NonContiguous(t *testing.T) {
	entries := []Entry{
		{TileID: 10, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 15, Offset: 100, Length: 100, RunLength: 1},
	}
	if result := optimizeRunLengths(entries); len(result) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result))
	}
}

func TestSerializeDirectory_RoundTrip(t *testing.T) {
	entries := []Entry{
		{TileID: 0, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 1, Offset: 100, Length: 200, RunLength: 1},
		{TileID: 5, Offset: 300, Length: 150, RunLength: 3},
	}

	data, err := serializeDirectory(entries)
	if err != nil {
		t.Fatalf("serializeDirectory: %v", err)
	}

	got, err := DeserializeDirectory(data)
	if err != nil {
		t.Fatalf("DeserializeDirectory: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[2].TileID != 5 || got[2].RunLength != 3 || got[2].Length != 150 {
		t.Errorf("entry[2] = %+v", got[2])
	}
}

func TestBuildDirectory_LeafSplit(t *testing.T) {
	// Force a leaf split by exceeding maxRootEntries (16384).
	n := 20000
	entries := make([]Entry, n)
	offset := uint64(0)
	for i := 0; i < n; i++ {
		entries[i] = Entry{TileID: uint64(i), Offset: offset, Length: 50, RunLength: 1}
		offset += 51 // deliberately non-contiguous so entries don't collapse via run-length merging
	}

	rootDir, leafDirs, err := buildDirectory(entries)
	if err != nil {
		t.Fatalf("buildDirectory: %v", err)
	}
	if len(leafDirs) == 0 {
		t.Error("expected leaf directories for a 20000-entry directory")
	}
	if len(rootDir) == 0 {
		t.Fatal("root directory is empty")
	}
}

func TestXYToHilbert_Exhaustive_Z3(t *testing.T) {
	n := uint64(8)
	seen := make(map[uint64]bool)
	for y := uint64(0); y < n; y++ {
		for x := uint64(0); x < n; x++ {
			d := xyToHilbert(x, y, n)
			if seen[d] {
				t.Errorf("duplicate at (%d, %d): %d", x, y, d)
			}
			seen[d] = true
		}
	}
	if uint64(len(seen)) != n*n {
		t.Errorf("got %d unique values, want %d", len(seen), n*n)
	}
}
