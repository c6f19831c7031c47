package scheduler

import (
	"fmt"
	"path/filepath"
)

// archiveExt is the file extension written for every per-macrotile and
// bundle archive (§6 "<archive-ext>").
const archiveExt = ".pmtiles"

func unitKeyString(z, x, y, cz int) string {
	return fmt.Sprintf("%d-%d-%d-%d", z, x, y, cz)
}

func snapshotDir(storeRoot, snapshotID string) string {
	return filepath.Join(storeRoot, "aggregation-store", snapshotID)
}

func planPath(storeRoot, snapshotID string, z, x, y, cz int) string {
	return filepath.Join(snapshotDir(storeRoot, snapshotID), unitKeyString(z, x, y, cz)+"-aggregation.csv")
}

func aggregationDonePath(storeRoot, snapshotID string, z, x, y, cz int) string {
	return filepath.Join(snapshotDir(storeRoot, snapshotID), unitKeyString(z, x, y, cz)+"-aggregation.done")
}

func aggregationTmpDir(storeRoot, snapshotID string, z, x, y, cz int) string {
	return filepath.Join(snapshotDir(storeRoot, snapshotID), unitKeyString(z, x, y, cz)+"-tmp")
}

// downsamplingKeyString names a downsampling unit, which is a single
// output tile position rather than a macrotile-plus-childZ span.
func downsamplingKeyString(z, x, y int) string {
	return fmt.Sprintf("%d-%d-%d", z, x, y)
}

func downsamplingDonePath(storeRoot, snapshotID string, z, x, y int) string {
	return filepath.Join(snapshotDir(storeRoot, snapshotID), downsamplingKeyString(z, x, y)+"-downsampling.done")
}

// archivePath is the location of a finished per-macrotile (or, for
// downsampling, single-tile) archive under pmtiles-store/.
func archivePath(storeRoot string, z, x, y, cz int) string {
	return filepath.Join(storeRoot, "pmtiles-store", unitKeyString(z, x, y, cz)+archiveExt)
}
