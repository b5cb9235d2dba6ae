// Package impute detects absent periods in the analysis window and fills
// them with weighted, weekday-aligned samples of historical donors. All row
// movement stays engine-side; this package only does the arithmetic and
// bookkeeping.
package impute

import (
	"context"
	"errors"
	"math"
	"time"

	"congestion-audit/internal/config"
	"congestion-audit/internal/engine"
	"congestion-audit/internal/models"
	"congestion-audit/pkg/logging"
	"congestion-audit/pkg/metrics"
)

// Donor weights are policy, not configuration: the year-back donor carries
// 0.7 of the synthesized volume, the two-years-back donor 0.3.
const (
	PrimaryDonorWeight   = 0.7
	SecondaryDonorWeight = 0.3
)

// daysPerAlignedYear is 52 weeks: the largest whole-week shift under one
// calendar year, so shifted timestamps keep their weekday.
const daysPerAlignedYear = 364

// Synthesizer owns coverage detection and gap synthesis for one run.
type Synthesizer struct {
	engine  *engine.Engine
	cfg     config.AnalysisConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewSynthesizer wires a Synthesizer onto the engine.
func NewSynthesizer(eng *engine.Engine, cfg config.AnalysisConfig, logger *logging.StructuredLogger, collector *metrics.Collector) *Synthesizer {
	return &Synthesizer{engine: eng, cfg: cfg, logger: logger, metrics: collector}
}

// Result summarizes one synthesis pass.
type Result struct {
	Imputed      []models.Period
	Skipped      []models.PeriodIssue
	RowsInserted int64
}

// RequiredPeriods returns the analysis window in ascending order: the first
// quarter of the prior year (baseline comparisons) plus every month of the
// analysis year.
func (s *Synthesizer) RequiredPeriods() []models.Period {
	periods := make([]models.Period, 0, 15)
	for month := time.January; month <= time.March; month++ {
		periods = append(periods, models.PeriodOf(time.Date(s.cfg.Year-1, month, 1, 0, 0, 0, 0, time.UTC)))
	}
	for month := time.January; month <= time.December; month++ {
		periods = append(periods, models.PeriodOf(time.Date(s.cfg.Year, month, 1, 0, 0, 0, 0, time.UTC)))
	}
	return periods
}

// Coverage computes the per-period coverage of the analysis window from a
// single engine rollup. Presence is absence-only: any rows at all mark a
// period present; volumes below the expected floor are logged, never imputed
// over.
func (s *Synthesizer) Coverage(ctx context.Context) ([]models.PeriodCoverage, error) {
	volumes, err := s.engine.PeriodVolumes(ctx)
	if err != nil {
		return nil, err
	}

	byPeriod := make(map[models.Period]models.PeriodVolume, len(volumes))
	for _, v := range volumes {
		byPeriod[v.Period] = v
	}

	var coverage []models.PeriodCoverage
	for _, p := range s.RequiredPeriods() {
		v := byPeriod[p]
		entry := models.PeriodCoverage{
			Period:      p,
			ExpectedMin: s.cfg.ExpectedMinRows,
			Present:     v.RowCount > 0,
			Imputed:     v.RowCount > 0 && v.ImputedCount == v.RowCount,
			RowCount:    v.RowCount,
		}
		coverage = append(coverage, entry)

		if entry.Present && !entry.Imputed && entry.RowCount < entry.ExpectedMin {
			s.logger.Warn(ctx, "[COVERAGE_THIN] Period present but below expected volume", logging.Fields{
				"period":       string(p),
				"rows":         entry.RowCount,
				"expected_min": entry.ExpectedMin,
			})
		}
	}
	return coverage, nil
}

// Run synthesizes every absent required period. Per-period failures
// (insufficient donor history) are recorded and skipped; only engine
// failures abort.
func (s *Synthesizer) Run(ctx context.Context) (*Result, error) {
	volumes, err := s.engine.PeriodVolumes(ctx)
	if err != nil {
		return nil, err
	}

	// Donor material is real history only; synthesized periods never
	// compound into donors for later gaps.
	realRows := make(map[models.Period]int64, len(volumes))
	present := make(map[models.Period]bool, len(volumes))
	for _, v := range volumes {
		realRows[v.Period] = v.RowCount - v.ImputedCount
		present[v.Period] = v.RowCount > 0
	}

	result := &Result{}
	for _, p := range s.RequiredPeriods() {
		if present[p] {
			s.metrics.RecordImputation(string(p), "present", 0)
			continue
		}

		inserted, err := s.synthesize(ctx, p, realRows)
		if err != nil {
			var ihe *models.InsufficientHistoryError
			if errors.As(err, &ihe) {
				result.Skipped = append(result.Skipped, models.PeriodIssue{
					Period: p,
					Reason: ihe.Error(),
				})
				s.metrics.RecordImputation(string(p), "insufficient_history", 0)
				s.logger.Warn(ctx, "[IMPUTE_SKIP] Cannot synthesize period", logging.Fields{
					"period":        string(p),
					"missing_donor": string(ihe.MissingDonor),
				})
				continue
			}
			return nil, err
		}

		result.Imputed = append(result.Imputed, p)
		result.RowsInserted += inserted
		s.metrics.RecordImputation(string(p), "synthesized", inserted)
	}

	return result, nil
}

// synthesize fills one period from its two donors. Target volume is the
// plain average of the donors' real volumes, split 0.7/0.3 across them.
func (s *Synthesizer) synthesize(ctx context.Context, p models.Period, realRows map[models.Period]int64) (int64, error) {
	primary := p.MinusYears(1)
	secondary := p.MinusYears(2)

	v1 := realRows[primary]
	if v1 == 0 {
		return 0, &models.InsufficientHistoryError{Period: p, MissingDonor: primary}
	}
	v2 := realRows[secondary]
	if v2 == 0 {
		return 0, &models.InsufficientHistoryError{Period: p, MissingDonor: secondary}
	}

	target := math.Round(float64(v1+v2) / 2)
	n1 := math.Round(PrimaryDonorWeight * target)
	n2 := math.Round(SecondaryDonorWeight * target)

	s.logger.Info(ctx, "[IMPUTE_START] Synthesizing absent period", logging.Fields{
		"period":          string(p),
		"primary_donor":   string(primary),
		"secondary_donor": string(secondary),
		"donor_volumes":   []int64{v1, v2},
		"target_rows":     int64(target),
	})

	ins1, err := s.engine.InsertShiftedSample(ctx, engine.ShiftedSampleSpec{
		DonorPeriod:  primary,
		TargetPeriod: p,
		ShiftDays:    daysPerAlignedYear,
		Fraction:     drawFraction(n1, v1),
		Seed:         s.cfg.Seed,
	})
	if err != nil {
		return 0, err
	}

	ins2, err := s.engine.InsertShiftedSample(ctx, engine.ShiftedSampleSpec{
		DonorPeriod:  secondary,
		TargetPeriod: p,
		ShiftDays:    2 * daysPerAlignedYear,
		Fraction:     drawFraction(n2, v2),
		Seed:         s.cfg.Seed,
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info(ctx, "[IMPUTE_DONE] Period synthesized", logging.Fields{
		"period":         string(p),
		"rows_primary":   ins1,
		"rows_secondary": ins2,
	})
	return ins1 + ins2, nil
}

// drawFraction converts a requested row count into a hash-sampling fraction
// of the donor, capped at taking the whole donor.
func drawFraction(want float64, donor int64) float64 {
	if donor <= 0 {
		return 0
	}
	f := want / float64(donor)
	if f > 1 {
		return 1
	}
	return f
}
