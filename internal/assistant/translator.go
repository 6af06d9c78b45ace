package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/xaenox/whoop-insight-bot/internal/llm"
	"go.uber.org/zap"
)

const translatorMaxTokens = 1000

const schemaDescription = `- users (user_id, first_name, last_name, email)
- body_measurements (user_id, height_meter, weight_kilogram, max_heart_rate)
- cycle_data (cycle_id, user_id, strain, kilojoule, average_heart_rate, max_heart_rate, created_at)
- recovery_data (cycle_id, sleep_id, user_id, score_state, recovery_score, resting_heart_rate, hrv_rmssd_milli, spo2_percentage, skin_temp_celsius, created_at, updated_at)
- sleep_data (user_id, total_sleep_time, rem_sleep_time, deep_sleep_time, efficiency, "timestamp", disturbance_count, light_sleep_time, nap, respiratory_rate)
- workout_data (workout_id, user_id, start, end_time, strain, kilojoule, average_heart_rate, max_heart_rate, percent_recorded, distance_meter, altitude_gain_meter, altitude_change_meter, created_at)
Sleep durations are stored in minutes.`

// Translator turns a question into a single SQL statement.
type Translator interface {
	Translate(ctx context.Context, question string) (string, error)
}

type SQLTranslator struct {
	client   llm.Client
	cache    *Cache
	userID   int64
	dialect  string
	readOnly bool
	logger   *zap.Logger
}

// NewSQLTranslator builds a translator for the given dialect. cache may be
// nil to disable memoization.
func NewSQLTranslator(client llm.Client, cache *Cache, userID int64, dialect string, readOnly bool, logger *zap.Logger) *SQLTranslator {
	return &SQLTranslator{
		client:   client,
		cache:    cache,
		userID:   userID,
		dialect:  dialect,
		readOnly: readOnly,
		logger:   logger,
	}
}

func (t *SQLTranslator) Translate(ctx context.Context, question string) (string, error) {
	if t.cache != nil {
		if statement, ok := t.cache.Get(question); ok {
			t.logger.Debug("Translation cache hit", zap.String("question", question))
			return statement, nil
		}
	}

	answer, err := t.client.Complete(ctx, llm.Request{
		System:      t.systemPrompt(),
		Prompt:      t.userPrompt(question),
		MaxTokens:   translatorMaxTokens,
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		return "", err
	}

	statement := CleanSQL(answer)
	if t.readOnly {
		if err := ValidateReadOnly(statement); err != nil {
			t.logger.Warn("Rejected generated statement",
				zap.String("question", question),
				zap.String("statement", statement))
			return "", fmt.Errorf("%w: %s", err, statement)
		}
	}

	t.logger.Info("Translated question",
		zap.String("question", question),
		zap.String("statement", statement))

	if t.cache != nil {
		t.cache.Put(question, statement)
	}
	return statement, nil
}

func (t *SQLTranslator) systemPrompt() string {
	return fmt.Sprintf("You are a SQL query builder for a %s database. "+
		"Respond only with a valid SQL query and nothing else including explanation. "+
		"Do not give anything other than the code itself.", t.dialect)
}

func (t *SQLTranslator) userPrompt(question string) string {
	var sb strings.Builder
	sb.WriteString("Write an SQL query for the following request:\n")
	sb.WriteString("The database contains the following tables:\n")
	sb.WriteString(schemaDescription)
	fmt.Fprintf(&sb, "\nThe user_id is %d.\n\n", t.userID)
	fmt.Fprintf(&sb, "Write an SQL query for: '%s'.", strings.TrimSpace(question))
	return sb.String()
}
