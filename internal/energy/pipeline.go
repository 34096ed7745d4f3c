package energy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/eventlog"
	"github.com/heatpilot/heatpilot/internal/types"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// Pipeline runs the daily energy steps for an entity: import new meter
// files, separate heating from DHW, recalibrate the heat-loss
// coefficient. A successful separation is a precondition for the
// recalibration step; the 72-hour fallback calls RecalibrateOnly
// instead.
type Pipeline struct {
	importer   *Importer
	separator  *Separator
	calibrator *Calibrator
	events     *eventlog.Sink
	logger     *zap.SugaredLogger

	// The staging inbox is shared across workers; only the first
	// pipeline run of a local day actually imports.
	mu            sync.Mutex
	lastImportDay time.Time
}

// NewPipeline wires the three steps together.
func NewPipeline(importer *Importer, separator *Separator, calibrator *Calibrator, events *eventlog.Sink, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		importer:   importer,
		separator:  separator,
		calibrator: calibrator,
		events:     events,
		logger:     logger.Named("pipeline"),
	}
}

// RunDaily executes import, separation and recalibration for one entity.
func (p *Pipeline) RunDaily(ctx context.Context, entity *config.Entity, ref config.EntityRef, now time.Time) error {
	entityID := entity.ID()

	if p.shouldImport(now) {
		report, err := p.importer.Run(ctx)
		if err != nil {
			// Import trouble affects every entity equally; log it and
			// continue with whatever data is already stored.
			p.logger.Errorw("Energy import failed", "error", err)
		} else if report.FilesImported > 0 || report.FilesFailed > 0 {
			p.events.Emit(eventlog.Event{
				EventType: "EnergyImportCompleted",
				Message:   "Imported {Files} energy files ({Rows} rows)",
				Component: "energy",
				Extra: map[string]interface{}{
					"Files": report.FilesImported,
					"Rows":  report.RowsWritten,
					"Batch": report.BatchID,
				},
			})
		}
	}

	if !entity.EnergySeparation.Enabled {
		p.logger.Debugw("Energy separation disabled", "entity", entityID)
		return nil
	}

	days, err := p.separator.Run(ctx, entity, now)
	if err != nil {
		return fmt.Errorf("separating energy for [%s]: %w", entityID, err)
	}
	if !hasBreakdown(days) {
		p.logger.Infow("No usable separation; skipping recalibration", "entity", entityID)
		return nil
	}

	result, err := p.calibrator.Run(ctx, entity, ref, now)
	if err != nil {
		p.logger.Warnw("Recalibration skipped", "entity", entityID, "reason", err)
		return nil
	}
	p.emitCalibrated(entityID, result)
	return nil
}

// RecalibrateOnly is the 72-hour fallback: it recalibrates from whatever
// separated data exists, independent of today's separation outcome.
func (p *Pipeline) RecalibrateOnly(ctx context.Context, entity *config.Entity, ref config.EntityRef, now time.Time) error {
	result, err := p.calibrator.Run(ctx, entity, ref, now)
	if err != nil {
		return err
	}
	p.emitCalibrated(entity.ID(), result)
	return nil
}

func (p *Pipeline) emitCalibrated(entityID string, result types.CalibrationResult) {
	p.events.Emit(eventlog.Event{
		EventType: "KCalibrated",
		Message:   "Calibrated k={KValue} from {DaysUsed} days (confidence {Confidence})",
		EntityID:  entityID,
		Component: "energy",
		Extra: map[string]interface{}{
			"KValue":     result.KValue,
			"DaysUsed":   result.DaysUsed,
			"Confidence": result.Confidence,
		},
	})
}

func (p *Pipeline) shouldImport(now time.Time) bool {
	day := truncateToDay(now.In(stockholm()))
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastImportDay.Equal(day) {
		return false
	}
	p.lastImportDay = day
	return true
}

func hasBreakdown(days []types.SeparatedDay) bool {
	for _, d := range days {
		if !d.NoBreakdown {
			return true
		}
	}
	return false
}
