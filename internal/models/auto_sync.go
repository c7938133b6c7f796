package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type AutoSyncStatus string

const (
	AutoSyncIdle      AutoSyncStatus = "idle"
	AutoSyncRunning   AutoSyncStatus = "running"
	AutoSyncCompleted AutoSyncStatus = "completed"
	AutoSyncFailed    AutoSyncStatus = "failed"
)

// AutoSyncConfig is the singleton row driving the daily unattended sync.
type AutoSyncConfig struct {
	ID                  uint           `gorm:"column:id;primaryKey"`
	Enabled             bool           `gorm:"column:enabled"`
	ScheduleTime        string         `gorm:"column:schedule_time"` // HH:MM in Timezone
	SyncDays            int            `gorm:"column:sync_days"`
	Timezone            string         `gorm:"column:timezone"`
	Status              AutoSyncStatus `gorm:"column:status"`
	CurrentSyncID       *string        `gorm:"column:current_sync_id"`
	LastRun             *time.Time     `gorm:"column:last_run"`
	NextRun             *time.Time     `gorm:"column:next_run"`
	LastReport          datatypes.JSON `gorm:"column:last_report;type:jsonb"`
	LastError           *string        `gorm:"column:last_error"`
	ConsecutiveFailures int            `gorm:"column:consecutive_failures"`
	CreatedAt           time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (AutoSyncConfig) TableName() string {
	return "efactura_auto_sync"
}

// DefaultAutoSyncConfig returns the settings used when no row exists yet.
func DefaultAutoSyncConfig() AutoSyncConfig {
	return AutoSyncConfig{
		ID:           1,
		Enabled:      false,
		ScheduleTime: "03:00",
		SyncDays:     60,
		Timezone:     "Europe/Bucharest",
		Status:       AutoSyncIdle,
	}
}

// CalculateNextRun returns the first schedule time strictly after now.
func (c *AutoSyncConfig) CalculateNextRun(now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	clock, err := time.Parse("15:04", c.ScheduleTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule time %q: %w", c.ScheduleTime, err)
	}

	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// ShouldRun reports whether a run is due at now.
func (c *AutoSyncConfig) ShouldRun(now time.Time) bool {
	if !c.Enabled || c.Status == AutoSyncRunning {
		return false
	}
	return c.NextRun != nil && !now.Before(*c.NextRun)
}

func (c *AutoSyncConfig) MarkRunning(now time.Time, syncID string) {
	c.Status = AutoSyncRunning
	c.CurrentSyncID = &syncID
	c.LastRun = &now
}

func (c *AutoSyncConfig) MarkCompleted(now time.Time, report datatypes.JSON) error {
	c.Status = AutoSyncCompleted
	c.CurrentSyncID = nil
	c.LastReport = report
	c.LastError = nil
	c.ConsecutiveFailures = 0
	return c.scheduleNext(now)
}

func (c *AutoSyncConfig) MarkFailed(now time.Time, cause string) error {
	c.Status = AutoSyncFailed
	c.CurrentSyncID = nil
	c.LastError = &cause
	c.ConsecutiveFailures++
	return c.scheduleNext(now)
}

func (c *AutoSyncConfig) scheduleNext(now time.Time) error {
	next, err := c.CalculateNextRun(now)
	if err != nil {
		return err
	}
	c.NextRun = &next
	return nil
}
