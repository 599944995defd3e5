package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/makeasinger/rhythmdeck/internal/service"
)

// TaskTypeSweep is the periodic maintenance task.
const TaskTypeSweep = "maintenance:sweep"

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	ScratchRemoved int  `json:"scratchRemoved"`
	UploadsRemoved int  `json:"uploadsRemoved"`
	ProjectsPruned int  `json:"projectsPruned"`
	SkippedScratch bool `json:"skippedScratch"`
}

// MaintenanceWorker removes stale scratch directories and uploads, and drops
// history entries whose artifacts were deleted outside the application.
type MaintenanceWorker struct {
	tmpDir        string
	uploadsDir    string
	scratchMaxAge time.Duration
	uploadMaxAge  time.Duration
	busy          func() bool
	projects      *service.ProjectService
}

// NewMaintenanceWorker creates a new maintenance worker
func NewMaintenanceWorker(tmpDir, uploadsDir string, scratchMaxAge, uploadMaxAge time.Duration, busy func() bool, projects *service.ProjectService) *MaintenanceWorker {
	return &MaintenanceWorker{
		tmpDir:        tmpDir,
		uploadsDir:    uploadsDir,
		scratchMaxAge: scratchMaxAge,
		uploadMaxAge:  uploadMaxAge,
		busy:          busy,
		projects:      projects,
	}
}

// NewSweepTask builds the task registered with the scheduler.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskTypeSweep, nil)
}

// ProcessTask handles maintenance task processing
func (w *MaintenanceWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	report := w.Sweep(time.Now())
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal sweep report: %w", err)
	}
	if _, err := t.ResultWriter().Write(data); err != nil {
		log.Printf("Failed to write sweep result: %v", err)
	}
	return nil
}

// Sweep runs one maintenance pass. Scratch directories are left alone while
// a run holds the gate.
func (w *MaintenanceWorker) Sweep(now time.Time) SweepReport {
	var report SweepReport

	if w.busy != nil && w.busy() {
		report.SkippedScratch = true
	} else if w.scratchMaxAge > 0 {
		report.ScratchRemoved = removeStale(w.tmpDir, now.Add(-w.scratchMaxAge), func(e os.DirEntry) bool {
			return e.IsDir() && strings.HasPrefix(e.Name(), "run-")
		})
	}

	if w.uploadMaxAge > 0 {
		report.UploadsRemoved = removeStale(w.uploadsDir, now.Add(-w.uploadMaxAge), func(e os.DirEntry) bool {
			name := e.Name()
			return !e.IsDir() && (strings.HasPrefix(name, service.PrefixReference+"-") || strings.HasPrefix(name, service.PrefixLyrics+"-"))
		})
	}

	if w.projects != nil {
		list, err := w.projects.List()
		if err != nil {
			log.Printf("Maintenance: failed to list projects: %v", err)
		} else {
			for _, p := range list.Projects {
				if err := w.projects.Prune(p.Name); err != nil {
					log.Printf("Maintenance: failed to prune history of %s: %v", p.Name, err)
					continue
				}
				report.ProjectsPruned++
			}
		}
	}

	log.Printf("Maintenance sweep: %d scratch dirs, %d uploads removed, %d projects pruned",
		report.ScratchRemoved, report.UploadsRemoved, report.ProjectsPruned)
	return report
}

func removeStale(dir string, cutoff time.Time, match func(os.DirEntry) bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Maintenance: failed to read %s: %v", dir, err)
		}
		return 0
	}

	removed := 0
	for _, e := range entries {
		if !match(e) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			log.Printf("Maintenance: failed to remove %s: %v", e.Name(), err)
			continue
		}
		removed++
	}
	return removed
}
