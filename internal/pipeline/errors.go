// Package pipeline names the small set of error kinds the Scheduler
// classifies per-unit failures into (§7), and the one sentinel that does
// not originate from a specific stage package: external interruption.
package pipeline

import (
	"context"
	"errors"

	"github.com/mapterhorn/pipeline/internal/aggregation"
	"github.com/mapterhorn/pipeline/internal/archive"
	"github.com/mapterhorn/pipeline/internal/catalog"
	"github.com/mapterhorn/pipeline/internal/downsample"
	"github.com/mapterhorn/pipeline/internal/raster"
)

// Kind is one of the error categories a unit's closure can fail with.
type Kind string

const (
	KindPlanInvalid        Kind = "PlanInvalid"
	KindSourceMissing      Kind = "SourceMissing"
	KindWarpFailed         Kind = "WarpFailed"
	KindTranslateFailed    Kind = "TranslateFailed"
	KindMergeFailed        Kind = "MergeFailed"
	KindEncodeFailed       Kind = "EncodeFailed"
	KindDependencyNotReady Kind = "DependencyNotReady"
	KindInterrupted        Kind = "Interrupted"
	KindUnknown            Kind = "Unknown"
)

// Interrupted marks a unit that stopped because its context was canceled,
// not because anything actually failed. Per §7 it is propagated silently:
// the Scheduler must not log it as a failed unit or touch any sentinel.
var Interrupted = errors.New("pipeline: interrupted")

// Classify maps an error surfaced by a unit's closure to the Kind the
// Scheduler reports at pool shutdown (§7 "reports the set of failed unit
// keys"). Every stage package defines its own error types (the teacher's
// convention, seen in internal/cog and internal/archive); Classify only
// dispatches to them with errors.As rather than requiring stage packages to
// depend on this one.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, Interrupted) || errors.Is(err, context.Canceled) {
		return KindInterrupted
	}

	var planInvalid *catalog.PlanInvalid
	if errors.As(err, &planInvalid) {
		return KindPlanInvalid
	}
	var sourceMissing *raster.SourceMissing
	if errors.As(err, &sourceMissing) {
		return KindSourceMissing
	}
	var warpFailed *raster.WarpFailed
	if errors.As(err, &warpFailed) {
		return KindWarpFailed
	}
	var translateFailed *raster.TranslateFailed
	if errors.As(err, &translateFailed) {
		return KindTranslateFailed
	}
	var mergeFailed *aggregation.MergeFailed
	if errors.As(err, &mergeFailed) {
		return KindMergeFailed
	}
	var encodeFailed *aggregation.EncodeFailed
	if errors.As(err, &encodeFailed) {
		return KindEncodeFailed
	}
	var depNotReady *downsample.DependencyNotReady
	if errors.As(err, &depNotReady) {
		return KindDependencyNotReady
	}
	var orderViolation *archive.OrderViolation
	if errors.As(err, &orderViolation) {
		return KindEncodeFailed
	}
	var dup *archive.Duplicate
	if errors.As(err, &dup) {
		return KindEncodeFailed
	}
	var ioErr *archive.IOError
	if errors.As(err, &ioErr) {
		return KindEncodeFailed
	}
	return KindUnknown
}
