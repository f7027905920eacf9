package storage

import (
	"encoding/json"
	"errors"
	"sort"

	"spores/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned returns the version stamp for records written by this build.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeGraph(g model.GraphRecord) ([]byte, error) {
	return json.Marshal(g)
}

func DecodeGraph(data []byte) (model.GraphRecord, error) {
	var record model.GraphRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.GraphRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.GraphRecord{}, err
	}
	return record, nil
}

func EncodeOptimization(o model.OptimizationRecord) ([]byte, error) {
	return json.Marshal(o)
}

func DecodeOptimization(data []byte) (model.OptimizationRecord, error) {
	var record model.OptimizationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return model.OptimizationRecord{}, err
	}
	if err := checkVersion(record.VersionedRecord); err != nil {
		return model.OptimizationRecord{}, err
	}
	return record, nil
}

func EncodeRun(r model.RunRecord) ([]byte, error) {
	return json.Marshal(r)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}

func sortRuns(runs []model.RunRecord) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
