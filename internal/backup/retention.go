package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/newsletter-admin/internal/model"
	"github.com/samber/lo"
)

// SweepResult summarizes one retention pass.
type SweepResult struct {
	Examined int `json:"examined"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

// Sweeper deletes archives older than the retention window.
type Sweeper struct {
	dest   Destination
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(dest Destination, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{dest: dest, logger: logger, now: time.Now}
}

// Sweep removes archives in folder created strictly before now minus days.
// Delete failures are counted and logged; only a listing failure is returned.
func (s *Sweeper) Sweep(ctx context.Context, folder string, days int) (SweepResult, error) {
	var res SweepResult

	files, err := s.dest.List(ctx, folder)
	if err != nil {
		return res, fmt.Errorf("list %s: %w", folder, err)
	}

	cutoff := s.now().UTC().AddDate(0, 0, -days)
	archives := lo.Filter(files, func(f model.RemoteFile, _ int) bool {
		return IsArchiveName(f.Name)
	})
	res.Examined = len(archives)

	for _, f := range archives {
		if !f.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.dest.Delete(ctx, f.ID); err != nil {
			res.Failed++
			s.logger.Warn("delete expired archive", "name", f.Name, "id", f.ID, "error", err)
			continue
		}
		res.Deleted++
		s.logger.Info("deleted expired archive", "name", f.Name, "created_at", f.CreatedAt)
	}

	sweepDeletedTotal.Add(float64(res.Deleted))
	sweepFailedTotal.Add(float64(res.Failed))
	return res, nil
}
