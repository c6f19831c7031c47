package coord

import (
	"math"
	"testing"
)

func TestLonLatToTile(t *testing.T) {
	tests := []struct {
		name     string
		lon, lat float64
		zoom     int
		wantX    int
		wantY    int
	}{
		{"origin z0", 0, 0, 0, 0, 0},
		{"london z10", -0.1278, 51.5074, 10, 511, 340},
		{"zurich z10", 8.5417, 47.3769, 10, 536, 358},
		{"nyc z10", -74.0060, 40.7128, 10, 301, 385},
		{"tokyo z10", 139.6917, 35.6895, 10, 909, 403},
		{"south pole clamped", 0, -89.9, 1, 1, 1},
		{"north pole clamped", 0, 89.9, 1, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, err := LonLatToTile(tt.lon, tt.lat, tt.zoom)
			if err != nil {
				t.Fatalf("LonLatToTile returned error: %v", err)
			}
			if x != tt.wantX || y != tt.wantY {
				t.Errorf("LonLatToTile(%.4f, %.4f, %d) = (%d, %d), want (%d, %d)",
					tt.lon, tt.lat, tt.zoom, x, y, tt.wantX, tt.wantY)
			}
		})
	}
}

func TestLonLatToTile_InvalidZoom(t *testing.T) {
	if _, _, err := LonLatToTile(0, 0, MaxZoom+1); err == nil {
		t.Fatal("expected InvalidArgument for zoom beyond MaxZoom")
	}
}

func TestTileBoundsWGS84(t *testing.T) {
	minLon, minLat, maxLon, maxLat, err := TileBoundsWGS84(TileID{Z: 0, X: 0, Y: 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(minLon-(-180)) > 1e-6 {
		t.Errorf("z0 minLon = %v, want -180", minLon)
	}
	if math.Abs(maxLon-180) > 1e-6 {
		t.Errorf("z0 maxLon = %v, want 180", maxLon)
	}
	if minLat < -85.1 || minLat > -85.0 {
		t.Errorf("z0 minLat = %v, want ~-85.05", minLat)
	}
	if maxLat < 85.0 || maxLat > 85.1 {
		t.Errorf("z0 maxLat = %v, want ~85.05", maxLat)
	}
}

func TestTileBoundsWGS84_AdjacentTilesShare(t *testing.T) {
	_, _, maxLon0, _, err := TileBoundsWGS84(TileID{Z: 2, X: 0, Y: 0})
	if err != nil {
		t.Fatal(err)
	}
	minLon1, _, _, _, err := TileBoundsWGS84(TileID{Z: 2, X: 1, Y: 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(maxLon0-minLon1) > 1e-10 {
		t.Errorf("adjacent tile edge mismatch: maxLon(0)=%v, minLon(1)=%v", maxLon0, minLon1)
	}
}

func TestTileBoundsMerc_CoversWorldAtZ0(t *testing.T) {
	left, bottom, right, top, err := TileBoundsMerc(TileID{Z: 0, X: 0, Y: 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(left+XMax) > 1e-3 || math.Abs(right-XMax) > 1e-3 {
		t.Errorf("z0 merc bounds left/right = %v/%v, want +-%v", left, right, XMax)
	}
	if math.Abs(top-XMax) > 1e-3 || math.Abs(bottom+XMax) > 1e-3 {
		t.Errorf("z0 merc bounds top/bottom = %v/%v, want +-%v", top, bottom, XMax)
	}
}

func TestResolution(t *testing.T) {
	res0, err := Resolution(0)
	if err != nil {
		t.Fatal(err)
	}
	expected0 := EarthCircumference / TileSize
	if math.Abs(res0-expected0)/expected0 > 1e-9 {
		t.Errorf("Resolution(0) = %v, want ~%v", res0, expected0)
	}

	res1, err := Resolution(1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res1-res0/2)/res0 > 1e-9 {
		t.Errorf("Resolution(1) = %v, want ~%v", res1, res0/2)
	}

	if _, err := Resolution(MaxZoom + 1); err == nil {
		t.Fatal("expected error for zoom beyond MaxZoom")
	}
}

func TestResolutionAtLat(t *testing.T) {
	res0 := ResolutionAtLat(0, 0, 256)
	expected0 := EarthCircumference / 256
	if math.Abs(res0-expected0)/expected0 > 1e-6 {
		t.Errorf("ResolutionAtLat(0, 0, 256) = %v, want ~%v", res0, expected0)
	}

	res60 := ResolutionAtLat(60, 0, 256)
	if math.Abs(res60-res0*0.5)/res0 > 1e-6 {
		t.Errorf("ResolutionAtLat(60, 0, 256) = %v, want ~%v", res60, res0*0.5)
	}
}

func TestMaxZoomForResolution(t *testing.T) {
	tests := []struct {
		name      string
		pixelSize float64
		lat       float64
		tileSize  int
		wantZoom  int
	}{
		{"10m equator", 10, 0, 256, 13},
		{"1m equator", 1, 0, 256, 17},
		{"100m equator", 100, 0, 256, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaxZoomForResolution(tt.pixelSize, tt.lat, tt.tileSize)
			if got != tt.wantZoom {
				t.Errorf("MaxZoomForResolution(%v, %v, %v) = %d, want %d",
					tt.pixelSize, tt.lat, tt.tileSize, got, tt.wantZoom)
			}
		})
	}
}

func TestTilesInBounds(t *testing.T) {
	tiles, err := TilesInBounds(10, 8.4, 47.3, 8.6, 47.5)
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) == 0 {
		t.Fatal("TilesInBounds returned no tiles for Zurich area")
	}
	for _, tile := range tiles {
		if tile.Z != 10 {
			t.Errorf("expected zoom 10, got %d", tile.Z)
		}
		if tile.X < 530 || tile.X > 540 {
			t.Errorf("tile x=%d outside expected range for Zurich", tile.X)
		}
		if tile.Y < 355 || tile.Y > 360 {
			t.Errorf("tile y=%d outside expected range for Zurich", tile.Y)
		}
	}
}

func TestTilesInBounds_Antimeridian(t *testing.T) {
	tiles, err := TilesInBounds(4, 170, -10, -170, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tiles) == 0 {
		t.Fatal("expected tiles on both sides of the antimeridian")
	}
	n := 1 << 4
	sawFarEast, sawFarWest := false, false
	for _, tile := range tiles {
		if tile.X == n-1 {
			sawFarEast = true
		}
		if tile.X == 0 {
			sawFarWest = true
		}
	}
	if !sawFarEast || !sawFarWest {
		t.Errorf("expected coverage on both sides of antimeridian, sawFarEast=%v sawFarWest=%v", sawFarEast, sawFarWest)
	}
}

func TestChildrenAndParent(t *testing.T) {
	root := TileID{Z: 12, X: 2130, Y: 1459}
	kids, err := Children(root, 14)
	if err != nil {
		t.Fatal(err)
	}
	if len(kids) != 16 {
		t.Fatalf("Children(z+2) returned %d tiles, want 16", len(kids))
	}
	for _, k := range kids {
		p, err := Parent(k, root.Z)
		if err != nil {
			t.Fatal(err)
		}
		if p != root {
			t.Errorf("Parent(%v, %d) = %v, want %v", k, root.Z, p, root)
		}
	}
}

func TestDescendantCountAndAllDescendants(t *testing.T) {
	root := TileID{Z: 12, X: 2130, Y: 1459}
	childZ := 17
	want := DescendantCount(root.Z, childZ)
	if want != 1365 {
		t.Fatalf("DescendantCount(12,17) = %d, want 1365", want)
	}
	all, err := AllDescendants(root, childZ)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != want {
		t.Errorf("AllDescendants returned %d tiles, want %d", len(all), want)
	}
	if all[0] != root {
		t.Errorf("AllDescendants[0] = %v, want root %v", all[0], root)
	}
}

func TestWebMercatorProjRoundTrip(t *testing.T) {
	p := &WebMercatorProj{}
	lon, lat := 8.5417, 47.3769
	x, y := p.FromWGS84(lon, lat)
	gotLon, gotLat := p.ToWGS84(x, y)
	if math.Abs(gotLon-lon) > 1e-6 || math.Abs(gotLat-lat) > 1e-6 {
		t.Errorf("round trip (%v, %v) -> (%v, %v) -> (%v, %v)", lon, lat, x, y, gotLon, gotLat)
	}
}
