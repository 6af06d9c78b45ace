package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/xaenox/whoop-insight-bot/internal/models"
)

// ErrQueryFailed marks a statement that could not be executed, as opposed
// to one that ran and matched no rows.
var ErrQueryFailed = errors.New("query execution failed")

type QueryError struct {
	Statement string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%v: %v", ErrQueryFailed, e.Err)
}

func (e *QueryError) Unwrap() []error {
	return []error{ErrQueryFailed, e.Err}
}

// Querier runs generated SQL against the health database.
type Querier interface {
	Query(ctx context.Context, statement string) (*models.Table, error)
	Dialect() string
}

// HealthWriter persists WHOOP records. Every upsert is insert-or-ignore on
// the table key and returns the number of rows actually inserted.
type HealthWriter interface {
	UpsertUser(ctx context.Context, profile models.Profile) (int, error)
	UpsertBodyMeasurement(ctx context.Context, userID int64, m models.BodyMeasurement) (int, error)
	UpsertCycles(ctx context.Context, userID int64, cycles []models.Cycle) (int, error)
	UpsertRecoveries(ctx context.Context, userID int64, recoveries []models.Recovery) (int, error)
	UpsertSleeps(ctx context.Context, userID int64, sleeps []models.Sleep) (int, error)
	UpsertWorkouts(ctx context.Context, userID int64, workouts []models.Workout) (int, error)
	NotifySynced(ctx context.Context) error
}

// HistoryStore keeps finalized exchanges per chat.
type HistoryStore interface {
	Append(chatID int64, exchange models.Exchange) error
	List(chatID int64, limit int) ([]models.Exchange, error)
	Clear(chatID int64) error
}
