package storage

import (
	"context"
	"errors"
	"sync"

	"spores/internal/graph"
	"spores/internal/model"
)

var errNotInitialized = errors.New("store is not initialized")

type MemoryStore struct {
	mu            sync.RWMutex
	initialized   bool
	graphs        map[string]model.GraphRecord
	optimizations map[string]model.OptimizationRecord
	runs          map[string]model.RunRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.graphs = make(map[string]model.GraphRecord)
	s.optimizations = make(map[string]model.OptimizationRecord)
	s.runs = make(map[string]model.RunRecord)
	return nil
}

func (s *MemoryStore) SaveGraph(_ context.Context, record model.GraphRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	record.Document = cloneDocument(record.Document)
	s.graphs[record.ID] = record
	return nil
}

func (s *MemoryStore) GetGraph(_ context.Context, id string) (model.GraphRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.graphs[id]
	if !ok {
		return model.GraphRecord{}, false, nil
	}
	record.Document = cloneDocument(record.Document)
	return record, true, nil
}

func (s *MemoryStore) SaveOptimization(_ context.Context, record model.OptimizationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	s.optimizations[record.RunID] = cloneOptimization(record)
	return nil
}

func (s *MemoryStore) GetOptimization(_ context.Context, runID string) (model.OptimizationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.optimizations[runID]
	if !ok {
		return model.OptimizationRecord{}, false, nil
	}
	return cloneOptimization(record), true, nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errNotInitialized
	}
	run.Pairs = append([]model.PairSummary(nil), run.Pairs...)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run.Pairs = append([]model.PairSummary(nil), run.Pairs...)
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		run.Pairs = append([]model.PairSummary(nil), run.Pairs...)
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func cloneDocument(doc graph.Document) graph.Document {
	out := graph.Document{
		Spores:     make([]graph.SporeEntry, len(doc.Spores)),
		Links:      append([]graph.LinkEntry(nil), doc.Links...),
		Statistics: doc.Statistics,
	}
	for i, s := range doc.Spores {
		s.InLinks = append([]int(nil), s.InLinks...)
		s.OutLinks = append([]int(nil), s.OutLinks...)
		out.Spores[i] = s
	}
	return out
}

func cloneOptimization(r model.OptimizationRecord) model.OptimizationRecord {
	r.DtVector = append([]float64(nil), r.DtVector...)
	r.OriginalDtVector = append([]float64(nil), r.OriginalDtVector...)
	r.Violations = append([]float64(nil), r.Violations...)
	r.AreaTrace = append([]float64(nil), r.AreaTrace...)
	return r
}
