package scheduler

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
)

var planFilenameRE = regexp.MustCompile(`^(\d+)-(\d+)-(\d+)-(\d+)-aggregation\.csv$`)

// AggregationUnit names one plan discovered under a snapshot directory: its
// macrotile key and the absolute path to its plan file.
type AggregationUnit struct {
	Z, X, Y, ChildZ int
	PlanPath        string
}

// Key is the unit's "<z>-<x>-<y>-<cz>" identity, used for dirty-set
// bookkeeping and Report's failed-unit listing (§7).
func (u AggregationUnit) Key() string { return unitKeyString(u.Z, u.X, u.Y, u.ChildZ) }

// listPlans returns every *-aggregation.csv file under a snapshot,
// keyed by its parsed unit key. A missing snapshot directory yields an
// empty set rather than an error — the "no previous snapshot" case.
func listPlans(storeRoot, snapshotID string) (map[string]AggregationUnit, error) {
	dir := snapshotDir(storeRoot, snapshotID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]AggregationUnit{}, nil
		}
		return nil, fmt.Errorf("scheduler: reading snapshot dir %s: %w", dir, err)
	}

	units := make(map[string]AggregationUnit, len(entries))
	for _, e := range entries {
		m := planFilenameRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		z, _ := strconv.Atoi(m[1])
		x, _ := strconv.Atoi(m[2])
		y, _ := strconv.Atoi(m[3])
		cz, _ := strconv.Atoi(m[4])
		u := AggregationUnit{Z: z, X: x, Y: y, ChildZ: cz, PlanPath: planPath(storeRoot, snapshotID, z, x, y, cz)}
		units[u.Key()] = u
	}
	return units, nil
}

// DirtyAggregationUnits implements §4.7 steps 1-3: every plan in
// currentSnapshotID that is new or byte-for-byte different from the
// same-keyed plan in previousSnapshotID (or, absent a previous snapshot,
// every plan at all), excluding any unit that already carries its
// -aggregation.done sentinel. Results are sorted by key for deterministic
// dispatch order.
func DirtyAggregationUnits(storeRoot, currentSnapshotID, previousSnapshotID string) ([]AggregationUnit, error) {
	current, err := listPlans(storeRoot, currentSnapshotID)
	if err != nil {
		return nil, err
	}

	var previous map[string]AggregationUnit
	if previousSnapshotID != "" {
		previous, err = listPlans(storeRoot, previousSnapshotID)
		if err != nil {
			return nil, err
		}
	}

	var dirty []AggregationUnit
	for key, u := range current {
		if _, err := os.Stat(aggregationDonePath(storeRoot, currentSnapshotID, u.Z, u.X, u.Y, u.ChildZ)); err == nil {
			continue
		}
		if previous == nil {
			dirty = append(dirty, u)
			continue
		}
		prev, ok := previous[key]
		if !ok {
			dirty = append(dirty, u)
			continue
		}
		changed, err := filesDiffer(u.PlanPath, prev.PlanPath)
		if err != nil {
			return nil, err
		}
		if changed {
			dirty = append(dirty, u)
		}
	}

	sort.Slice(dirty, func(i, j int) bool { return dirty[i].Key() < dirty[j].Key() })
	return dirty, nil
}

func filesDiffer(a, b string) (bool, error) {
	da, err := os.ReadFile(a)
	if err != nil {
		return false, fmt.Errorf("scheduler: reading %s: %w", a, err)
	}
	db, err := os.ReadFile(b)
	if err != nil {
		return false, fmt.Errorf("scheduler: reading %s: %w", b, err)
	}
	return !bytes.Equal(da, db), nil
}
