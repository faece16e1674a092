package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-seb/internal/repository"
)

// ProgressSource reads aggregate submission data for the monitor.
type ProgressSource interface {
	Progress(ctx context.Context, examID uuid.UUID) (*repository.ExamProgress, error)
	FlaggedCounts(ctx context.Context, examID uuid.UUID) (map[int]int64, error)
}

// MonitorService builds the teacher's live monitor snapshot.
type MonitorService struct {
	monitorRepo ProgressSource
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo ProgressSource) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo}
}

// MonitorSnapshot is sent when a monitor connects, before live transitions.
type MonitorSnapshot struct {
	Progress      repository.ExamProgress `json:"progress"`
	FlaggedCounts map[int]int64           `json:"flagged_counts"`
}

// Snapshot fetches progress and per-student flag counts concurrently.
// Progress is required; flag counts are best-effort.
func (s *MonitorService) Snapshot(ctx context.Context, examID uuid.UUID) (*MonitorSnapshot, error) {
	var (
		progress    *repository.ExamProgress
		flagged     map[int]int64
		progressErr error
		flaggedErr  error
		wg          sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		progress, progressErr = s.monitorRepo.Progress(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		flagged, flaggedErr = s.monitorRepo.FlaggedCounts(ctx, examID)
	}()
	wg.Wait()

	if progressErr != nil {
		return nil, progressErr
	}

	snap := &MonitorSnapshot{Progress: *progress, FlaggedCounts: map[int]int64{}}
	if flaggedErr == nil && flagged != nil {
		snap.FlaggedCounts = flagged
	}
	return snap, nil
}
