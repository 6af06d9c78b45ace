package sync

import (
	"fmt"
	"time"

	"github.com/xaenox/whoop-insight-bot/internal/whoop"
	"github.com/xaenox/whoop-insight-bot/pkg/config"
)

const dateLayout = "2006-01-02"

// DateRange resolves the configured sync window. Without a start date the
// window covers the last LookbackDays days up to today.
func DateRange(cfg config.SyncConfig, now time.Time) (whoop.DateRange, error) {
	var rng whoop.DateRange
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if cfg.EndDate != "" {
		end, err := time.Parse(dateLayout, cfg.EndDate)
		if err != nil {
			return rng, fmt.Errorf("invalid end date %q: %w", cfg.EndDate, err)
		}
		rng.End = end
	} else {
		rng.End = today.AddDate(0, 0, 1)
	}

	if cfg.StartDate != "" {
		start, err := time.Parse(dateLayout, cfg.StartDate)
		if err != nil {
			return rng, fmt.Errorf("invalid start date %q: %w", cfg.StartDate, err)
		}
		rng.Start = start
	} else {
		days := cfg.LookbackDays
		if days <= 0 {
			days = 7
		}
		rng.Start = today.AddDate(0, 0, -days)
	}

	if !rng.Start.Before(rng.End) {
		return rng, fmt.Errorf("start date %s is not before end date %s",
			rng.Start.Format(dateLayout), rng.End.Format(dateLayout))
	}
	return rng, nil
}
