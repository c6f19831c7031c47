// Package pipelinestate is a supplemental, human-inspectable record of
// per-source stage completion, timing, and metrics, subordinate to the
// sentinel-file idempotency contract internal/scheduler owns: losing this
// ledger never makes a resumed run redo or skip work, it only loses
// diagnostics.
//
// Grounded on original_source/pipelines/pipeline_state.py's schema
// (stage_completion, stage_metrics, stage_bounds tables keyed by
// (source, stage)), reimplemented as an append-only JSON-lines file
// instead of SQLite — see DESIGN.md's "pipeline state persistence" Open
// Question resolution for why.
package pipelinestate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Bounds is the geographic footprint recorded for one source.
type Bounds struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

type recordKind string

const (
	kindComplete recordKind = "complete"
	kindMetric   recordKind = "metric"
	kindBounds   recordKind = "bounds"
	kindClear    recordKind = "clear"
)

// record is the on-disk shape of one ledger entry. Every field not used by
// a given Kind is left at its zero value, so the file stays readable with
// a plain JSON viewer.
type record struct {
	Kind        recordKind `json:"kind"`
	Source      string     `json:"source"`
	Stage       string     `json:"stage,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	Duration    float64    `json:"duration_seconds,omitempty"`
	MetricName  string     `json:"metric_name,omitempty"`
	MetricValue string     `json:"metric_value,omitempty"` // raw JSON
	Bounds      *Bounds    `json:"bounds,omitempty"`
}

type stageCompletion struct {
	completedAt time.Time
	duration    float64
}

// State is the in-memory view of the ledger, kept current by appending one
// record per call and replaying the whole file at Open time.
type State struct {
	mu sync.Mutex

	path string
	file *os.File

	completed map[string]map[string]stageCompletion // source -> stage -> completion
	order     map[string][]string                   // source -> stages, completion order
	metrics   map[string]map[string]map[string]string // source -> stage -> metric -> raw JSON
	bounds    map[string]Bounds
}

// Open loads an existing ledger at path (replaying every record in order)
// or creates an empty one, and keeps the file open in append mode for
// subsequent writes.
func Open(path string) (*State, error) {
	s := &State{
		path:      path,
		completed: map[string]map[string]stageCompletion{},
		order:     map[string][]string{},
		metrics:   map[string]map[string]map[string]string{},
		bounds:    map[string]Bounds{},
	}

	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec record
			if err := json.Unmarshal(line, &rec); err != nil {
				f.Close()
				return nil, fmt.Errorf("pipelinestate: parsing %s: %w", path, err)
			}
			s.apply(rec)
		}
		err := scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("pipelinestate: reading %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("pipelinestate: opening %s: %w", path, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pipelinestate: opening %s for append: %w", path, err)
	}
	s.file = file
	return s, nil
}

// Close flushes and closes the underlying ledger file.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *State) apply(rec record) {
	switch rec.Kind {
	case kindComplete:
		if s.completed[rec.Source] == nil {
			s.completed[rec.Source] = map[string]stageCompletion{}
		}
		if _, already := s.completed[rec.Source][rec.Stage]; !already {
			s.order[rec.Source] = append(s.order[rec.Source], rec.Stage)
		}
		s.completed[rec.Source][rec.Stage] = stageCompletion{completedAt: rec.CompletedAt, duration: rec.Duration}
	case kindMetric:
		if s.metrics[rec.Source] == nil {
			s.metrics[rec.Source] = map[string]map[string]string{}
		}
		if s.metrics[rec.Source][rec.Stage] == nil {
			s.metrics[rec.Source][rec.Stage] = map[string]string{}
		}
		s.metrics[rec.Source][rec.Stage][rec.MetricName] = rec.MetricValue
	case kindBounds:
		if rec.Bounds != nil {
			s.bounds[rec.Source] = *rec.Bounds
		}
	case kindClear:
		delete(s.completed, rec.Source)
		delete(s.order, rec.Source)
		delete(s.metrics, rec.Source)
		delete(s.bounds, rec.Source)
	}
}

func (s *State) append(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("pipelinestate: encoding record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("pipelinestate: appending to %s: %w", s.path, err)
	}
	return nil
}

// MarkStageComplete records that stage finished for source, optionally
// with its wall-clock duration.
func (s *State) MarkStageComplete(source, stage string, completedAt time.Time, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := record{Kind: kindComplete, Source: source, Stage: stage, CompletedAt: completedAt, Duration: duration.Seconds()}
	if err := s.append(rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}

// IsStageComplete reports whether stage has been recorded complete for source.
func (s *State) IsStageComplete(source, stage string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.completed[source][stage]
	return ok
}

// SetMetric records a metric value (JSON-marshaled) for (source, stage).
func (s *State) SetMetric(source, stage, name string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("pipelinestate: encoding metric %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := record{Kind: kindMetric, Source: source, Stage: stage, MetricName: name, MetricValue: string(raw)}
	if err := s.append(rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}

// GetMetric decodes a previously-set metric into out (a pointer), and
// reports whether the metric existed.
func (s *State) GetMetric(source, stage, name string, out interface{}) (bool, error) {
	s.mu.Lock()
	raw, ok := s.metrics[source][stage][name]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, fmt.Errorf("pipelinestate: decoding metric %s: %w", name, err)
	}
	return true, nil
}

// GetAllMetrics returns every metric name recorded for (source, stage) as
// raw JSON values.
func (s *State) GetAllMetrics(source, stage string) map[string]json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for name, raw := range s.metrics[source][stage] {
		out[name] = json.RawMessage(raw)
	}
	return out
}

// SetBounds records the geographic footprint processed for source.
func (s *State) SetBounds(source string, b Bounds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := record{Kind: kindBounds, Source: source, Bounds: &b}
	if err := s.append(rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}

// GetBounds returns the bounds recorded for source, if any.
func (s *State) GetBounds(source string) (Bounds, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bounds[source]
	return b, ok
}

// GetCompletedStages returns source's completed stages in the order they
// were first recorded.
func (s *State) GetCompletedStages(source string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order[source]))
	copy(out, s.order[source])
	return out
}

// ClearSource removes all recorded state for source, appending a
// tombstone record rather than rewriting the ledger file.
func (s *State) ClearSource(source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := record{Kind: kindClear, Source: source}
	if err := s.append(rec); err != nil {
		return err
	}
	s.apply(rec)
	return nil
}

// Summary is the Go equivalent of PipelineState.get_summary: every
// completed stage for source plus its metrics and bounds.
type Summary struct {
	Source          string
	CompletedStages []string
	Bounds          *Bounds
	Stages          map[string]StageSummary
}

// StageSummary is one stage's completion time, duration, and metrics.
type StageSummary struct {
	CompletedAt time.Time
	Duration    float64
	Metrics     map[string]json.RawMessage
}

// GetSummary builds a full Summary for source.
func (s *State) GetSummary(source string) Summary {
	summary := Summary{Source: source, CompletedStages: s.GetCompletedStages(source), Stages: map[string]StageSummary{}}
	if b, ok := s.GetBounds(source); ok {
		summary.Bounds = &b
	}
	for _, stage := range summary.CompletedStages {
		s.mu.Lock()
		c := s.completed[source][stage]
		s.mu.Unlock()
		summary.Stages[stage] = StageSummary{
			CompletedAt: c.completedAt,
			Duration:    c.duration,
			Metrics:     s.GetAllMetrics(source, stage),
		}
	}
	return summary
}
