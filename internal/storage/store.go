package storage

import (
	"context"

	"spores/internal/model"
)

// Store persists run summaries together with their graph and optimization output.
type Store interface {
	Init(ctx context.Context) error
	SaveGraph(ctx context.Context, record model.GraphRecord) error
	GetGraph(ctx context.Context, id string) (model.GraphRecord, bool, error)
	SaveOptimization(ctx context.Context, record model.OptimizationRecord) error
	GetOptimization(ctx context.Context, runID string) (model.OptimizationRecord, bool, error)
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns every run, oldest first.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
}
