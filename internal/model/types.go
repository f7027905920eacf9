package model

import (
	"time"

	"spores/internal/graph"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// GraphRecord is the exported graph of one run.
type GraphRecord struct {
	VersionedRecord
	ID                string         `json:"id"`
	DistanceThreshold float64        `json:"distance_threshold"`
	Document          graph.Document `json:"document"`
}

type OptimizationRecord struct {
	VersionedRecord
	RunID                string    `json:"run_id"`
	Status               string    `json:"status"`
	DtVector             []float64 `json:"dt_vector"`
	OriginalDtVector     []float64 `json:"original_dt_vector"`
	Area                 float64   `json:"area"`
	OriginalArea         float64   `json:"original_area"`
	Improvement          float64   `json:"improvement"`
	ImprovementPercent   float64   `json:"improvement_percent"`
	Success              bool      `json:"success"`
	ConstraintsSatisfied bool      `json:"constraints_satisfied"`
	MaxViolation         float64   `json:"max_violation"`
	Violations           []float64 `json:"violations"`
	Iterations           int       `json:"iterations"`
	AreaTrace            []float64 `json:"area_trace"`
	FellBack             bool      `json:"fell_back"`
}

type PairSummary struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	SlotA    string  `json:"slot_a"`
	SlotB    string  `json:"slot_b"`
	DtA      float64 `json:"dt_a"`
	DtB      float64 `json:"dt_b"`
	Distance float64 `json:"distance"`
}

// RunRecord summarizes one build → pair → optimize → export cycle.
type RunRecord struct {
	VersionedRecord
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"created_at"`
	Root        [2]float64    `json:"root"`
	DtBase      float64       `json:"dt_base"`
	Factor      float64       `json:"dt_grandchildren_factor"`
	TotalSpores int           `json:"total_spores"`
	TotalLinks  int           `json:"total_links"`
	Pairs       []PairSummary `json:"pairs"`
	Optimized   bool          `json:"optimized"`
	Area        float64       `json:"area"`
	Elapsed     time.Duration `json:"elapsed"`
}
