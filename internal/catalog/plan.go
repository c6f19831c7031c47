// Package catalog reads the per-macrotile plan files that drive the
// Aggregation Engine: which source rasters, grouped by priority, feed a
// macrotile's production.
package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/mapterhorn/pipeline/internal/coord"
)

// PlanInvalid is returned when a plan file is malformed, missing required
// columns, or references sources that do not exist on disk.
type PlanInvalid struct {
	Path   string
	Reason string
}

func (e *PlanInvalid) Error() string {
	return fmt.Sprintf("catalog: plan %s invalid: %s", e.Path, e.Reason)
}

// SourceItem is one row of a plan: a single source raster contributing to a
// SourceGroup.
type SourceItem struct {
	Source    string
	Filename  string
	DatasetID string
	MaxZoom   int
}

// SourceGroup is an ordered, co-registered mosaic of SourceItems sharing a
// priority and MaxZoom. Groups within a Plan are tried highest-priority
// first.
type SourceGroup struct {
	Priority int
	MaxZoom  int
	Items    []SourceItem
}

// Plan is one entry in the pipeline: the macrotile to build and the ordered
// groups of source rasters that may contribute to it.
type Plan struct {
	Macrotile coord.TileID
	ChildZ    int
	Groups    []SourceGroup
}

// plan file columns, following the schema implied by the original
// implementation's field access in its reprojection stage.
const (
	colSource    = "source"
	colFilename  = "filename"
	colDatasetID = "dataset_id"
	colMaxZoom   = "maxzoom"
	colGroup     = "group"
	colPriority  = "priority"
)

// LoadPlan parses the plan file at path and validates that every referenced
// source raster exists.
func LoadPlan(path string, macrotile coord.TileID, childZ int) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &PlanInvalid{Path: path, Reason: err.Error()}
	}
	defer f.Close()

	groups, err := parseGroups(f, path)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, &PlanInvalid{Path: path, Reason: "no groups"}
	}
	for _, it := range groups[0].Items {
		if it.MaxZoom != childZ {
			return nil, &PlanInvalid{Path: path, Reason: fmt.Sprintf("first group item %q has maxzoom %d, want %d", it.Filename, it.MaxZoom, childZ)}
		}
	}
	for _, g := range groups {
		for _, it := range g.Items {
			if _, err := os.Stat(it.Filename); err != nil {
				return nil, &PlanInvalid{Path: path, Reason: fmt.Sprintf("source missing: %s", it.Filename)}
			}
		}
	}

	return &Plan{Macrotile: macrotile, ChildZ: childZ, Groups: groups}, nil
}

func parseGroups(r io.Reader, path string) ([]SourceGroup, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, &PlanInvalid{Path: path, Reason: "reading header: " + err.Error()}
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	for _, want := range []string{colSource, colFilename, colDatasetID, colMaxZoom, colGroup, colPriority} {
		if _, ok := idx[want]; !ok {
			return nil, &PlanInvalid{Path: path, Reason: "missing column " + want}
		}
	}

	type groupKey struct {
		id       string
		priority int
	}
	byGroup := map[string]*SourceGroup{}
	var order []string

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &PlanInvalid{Path: path, Reason: "reading row: " + err.Error()}
		}
		maxZoom, err := strconv.Atoi(row[idx[colMaxZoom]])
		if err != nil {
			return nil, &PlanInvalid{Path: path, Reason: "bad maxzoom: " + row[idx[colMaxZoom]]}
		}
		priority, err := strconv.Atoi(row[idx[colPriority]])
		if err != nil {
			return nil, &PlanInvalid{Path: path, Reason: "bad priority: " + row[idx[colPriority]]}
		}
		groupID := row[idx[colGroup]]

		g, ok := byGroup[groupID]
		if !ok {
			g = &SourceGroup{Priority: priority, MaxZoom: maxZoom}
			byGroup[groupID] = g
			order = append(order, groupID)
		}
		g.Items = append(g.Items, SourceItem{
			Source:    row[idx[colSource]],
			Filename:  row[idx[colFilename]],
			DatasetID: row[idx[colDatasetID]],
			MaxZoom:   maxZoom,
		})
	}

	groups := make([]SourceGroup, 0, len(order))
	for _, id := range order {
		groups = append(groups, *byGroup[id])
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Priority < groups[j].Priority })
	return groups, nil
}

// GroupedSourceItems returns the plan's groups in priority order, the
// convenience accessor named by the plan's logical contract.
func (p *Plan) GroupedSourceItems() []SourceGroup {
	return p.Groups
}

// TotalSourceFiles returns the number of SourceItems across all groups,
// used by Reproject to decide whether a guard buffer is needed.
func (p *Plan) TotalSourceFiles() int {
	n := 0
	for _, g := range p.Groups {
		n += len(g.Items)
	}
	return n
}
