package models

import "time"

// Profile is the basic WHOOP user profile.
type Profile struct {
	UserID    int64  `json:"user_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type BodyMeasurement struct {
	HeightMeter    float64 `json:"height_meter"`
	WeightKilogram float64 `json:"weight_kilogram"`
	MaxHeartRate   int     `json:"max_heart_rate"`
}

// Cycle is one physiological day. Score is nil until WHOOP has scored it.
type Cycle struct {
	ID         int64       `json:"id"`
	UserID     int64       `json:"user_id"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Start      time.Time   `json:"start"`
	End        *time.Time  `json:"end,omitempty"`
	ScoreState string      `json:"score_state"`
	Score      *CycleScore `json:"score,omitempty"`
}

type CycleScore struct {
	Strain           float64 `json:"strain"`
	Kilojoule        float64 `json:"kilojoule"`
	AverageHeartRate int     `json:"average_heart_rate"`
	MaxHeartRate     int     `json:"max_heart_rate"`
}

type Recovery struct {
	CycleID    int64          `json:"cycle_id"`
	SleepID    *int64         `json:"sleep_id,omitempty"`
	UserID     int64          `json:"user_id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ScoreState string         `json:"score_state"`
	Score      *RecoveryScore `json:"score,omitempty"`
}

type RecoveryScore struct {
	UserCalibrating  bool     `json:"user_calibrating"`
	RecoveryScore    float64  `json:"recovery_score"`
	RestingHeartRate float64  `json:"resting_heart_rate"`
	HRVRMSSDMilli    float64  `json:"hrv_rmssd_milli"`
	SpO2Percentage   *float64 `json:"spo2_percentage,omitempty"`
	SkinTempCelsius  *float64 `json:"skin_temp_celsius,omitempty"`
}

type Sleep struct {
	ID         int64       `json:"id"`
	UserID     int64       `json:"user_id"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Start      time.Time   `json:"start"`
	End        *time.Time  `json:"end,omitempty"`
	Nap        bool        `json:"nap"`
	ScoreState string      `json:"score_state"`
	Score      *SleepScore `json:"score,omitempty"`
}

type SleepScore struct {
	StageSummary               StageSummary `json:"stage_summary"`
	RespiratoryRate            *float64     `json:"respiratory_rate,omitempty"`
	SleepPerformancePercentage *float64     `json:"sleep_performance_percentage,omitempty"`
	SleepConsistencyPercentage *float64     `json:"sleep_consistency_percentage,omitempty"`
	SleepEfficiencyPercentage  *float64     `json:"sleep_efficiency_percentage,omitempty"`
}

// StageSummary durations are in milliseconds.
type StageSummary struct {
	TotalInBedTimeMilli         int64 `json:"total_in_bed_time_milli"`
	TotalAwakeTimeMilli         int64 `json:"total_awake_time_milli"`
	TotalLightSleepTimeMilli    int64 `json:"total_light_sleep_time_milli"`
	TotalSlowWaveSleepTimeMilli int64 `json:"total_slow_wave_sleep_time_milli"`
	TotalREMSleepTimeMilli      int64 `json:"total_rem_sleep_time_milli"`
	SleepCycleCount             int   `json:"sleep_cycle_count"`
	DisturbanceCount            int   `json:"disturbance_count"`
}

type Workout struct {
	ID         int64         `json:"id"`
	UserID     int64         `json:"user_id"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	Start      time.Time     `json:"start"`
	End        *time.Time    `json:"end,omitempty"`
	SportID    int           `json:"sport_id"`
	ScoreState string        `json:"score_state"`
	Score      *WorkoutScore `json:"score,omitempty"`
}

type WorkoutScore struct {
	Strain              float64  `json:"strain"`
	AverageHeartRate    int      `json:"average_heart_rate"`
	MaxHeartRate        int      `json:"max_heart_rate"`
	Kilojoule           float64  `json:"kilojoule"`
	PercentRecorded     float64  `json:"percent_recorded"`
	DistanceMeter       *float64 `json:"distance_meter,omitempty"`
	AltitudeGainMeter   *float64 `json:"altitude_gain_meter,omitempty"`
	AltitudeChangeMeter *float64 `json:"altitude_change_meter,omitempty"`
}
