package storage

import (
	"context"
	"fmt"

	"github.com/xaenox/whoop-insight-bot/internal/models"
	"go.uber.org/zap"
)

const (
	insertUserSQL = `
		INSERT INTO users (user_id, first_name, last_name, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`

	insertBodyMeasurementSQL = `
		INSERT INTO body_measurements (user_id, height_meter, weight_kilogram, max_heart_rate)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING`

	insertCycleSQL = `
		INSERT INTO cycle_data (cycle_id, user_id, strain, kilojoule, average_heart_rate, max_heart_rate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cycle_id) DO NOTHING`

	insertRecoverySQL = `
		INSERT INTO recovery_data (cycle_id, sleep_id, user_id, score_state, recovery_score, resting_heart_rate,
		                           hrv_rmssd_milli, spo2_percentage, skin_temp_celsius, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (cycle_id) DO NOTHING`

	insertSleepSQL = `
		INSERT INTO sleep_data (user_id, total_sleep_time, rem_sleep_time, deep_sleep_time, efficiency,
		                        "timestamp", disturbance_count, light_sleep_time, nap, respiratory_rate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`

	insertWorkoutSQL = `
		INSERT INTO workout_data (workout_id, user_id, start, end_time, strain, kilojoule, average_heart_rate,
		                          max_heart_rate, percent_recorded, distance_meter, altitude_gain_meter,
		                          altitude_change_meter, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (workout_id) DO NOTHING`
)

const millisPerMinute = 60000

func (s *SQLStore) UpsertUser(ctx context.Context, profile models.Profile) (int, error) {
	return s.insertBatch(ctx, "users", insertUserSQL, 1, func(int) []any {
		return []any{profile.UserID, profile.FirstName, profile.LastName, profile.Email}
	})
}

func (s *SQLStore) UpsertBodyMeasurement(ctx context.Context, userID int64, m models.BodyMeasurement) (int, error) {
	return s.insertBatch(ctx, "body_measurements", insertBodyMeasurementSQL, 1, func(int) []any {
		return []any{userID, m.HeightMeter, m.WeightKilogram, m.MaxHeartRate}
	})
}

func (s *SQLStore) UpsertCycles(ctx context.Context, userID int64, cycles []models.Cycle) (int, error) {
	return s.insertBatch(ctx, "cycle_data", insertCycleSQL, len(cycles), func(i int) []any {
		c := cycles[i]
		var strain, kilojoule, avgHR, maxHR any
		if c.Score != nil {
			strain, kilojoule = c.Score.Strain, c.Score.Kilojoule
			avgHR, maxHR = c.Score.AverageHeartRate, c.Score.MaxHeartRate
		}
		return []any{c.ID, userID, strain, kilojoule, avgHR, maxHR, c.CreatedAt}
	})
}

func (s *SQLStore) UpsertRecoveries(ctx context.Context, userID int64, recoveries []models.Recovery) (int, error) {
	return s.insertBatch(ctx, "recovery_data", insertRecoverySQL, len(recoveries), func(i int) []any {
		r := recoveries[i]
		var score, restingHR, hrv, spo2, skinTemp any
		if r.Score != nil {
			score, restingHR, hrv = r.Score.RecoveryScore, r.Score.RestingHeartRate, r.Score.HRVRMSSDMilli
			spo2, skinTemp = r.Score.SpO2Percentage, r.Score.SkinTempCelsius
		}
		return []any{r.CycleID, r.SleepID, userID, r.ScoreState, score, restingHR, hrv, spo2, skinTemp,
			r.CreatedAt, r.UpdatedAt}
	})
}

func (s *SQLStore) UpsertSleeps(ctx context.Context, userID int64, sleeps []models.Sleep) (int, error) {
	return s.insertBatch(ctx, "sleep_data", insertSleepSQL, len(sleeps), func(i int) []any {
		sl := sleeps[i]
		var stages models.StageSummary
		var efficiency, respiratoryRate any
		if sl.Score != nil {
			stages = sl.Score.StageSummary
			efficiency, respiratoryRate = sl.Score.SleepEfficiencyPercentage, sl.Score.RespiratoryRate
		}
		return []any{
			userID,
			stages.TotalInBedTimeMilli / millisPerMinute,
			stages.TotalREMSleepTimeMilli / millisPerMinute,
			stages.TotalSlowWaveSleepTimeMilli / millisPerMinute,
			efficiency,
			sl.Start,
			stages.DisturbanceCount,
			stages.TotalLightSleepTimeMilli / millisPerMinute,
			sl.Nap,
			respiratoryRate,
		}
	})
}

func (s *SQLStore) UpsertWorkouts(ctx context.Context, userID int64, workouts []models.Workout) (int, error) {
	return s.insertBatch(ctx, "workout_data", insertWorkoutSQL, len(workouts), func(i int) []any {
		w := workouts[i]
		var strain, kilojoule, avgHR, maxHR, recorded any
		distance, gain, change := 0.0, 0.0, 0.0
		if w.Score != nil {
			strain, kilojoule = w.Score.Strain, w.Score.Kilojoule
			avgHR, maxHR, recorded = w.Score.AverageHeartRate, w.Score.MaxHeartRate, w.Score.PercentRecorded
			distance = valueOr(w.Score.DistanceMeter, 0)
			gain = valueOr(w.Score.AltitudeGainMeter, 0)
			change = valueOr(w.Score.AltitudeChangeMeter, 0)
		}
		return []any{w.ID, userID, w.Start, w.End, strain, kilojoule, avgHR, maxHR, recorded,
			distance, gain, change, w.CreatedAt}
	})
}

// insertBatch runs n inserts of query in one transaction. A failing row
// aborts the whole batch.
func (s *SQLStore) insertBatch(ctx context.Context, table, query string, n int, args func(i int) []any) (int, error) {
	if n == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("error starting %s transaction: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("error preparing %s insert: %w", table, err)
	}
	defer stmt.Close()

	inserted := 0
	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return 0, fmt.Errorf("error inserting into %s (record %d): %w", table, i, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			inserted += int(affected)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing %s: %w", table, err)
	}

	s.logger.Debug("Stored records",
		zap.String("table", table),
		zap.Int("records", n),
		zap.Int("inserted", inserted))

	return inserted, nil
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
