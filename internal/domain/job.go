package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the operator-facing lifecycle status of a sync job.
type JobStatus string

const (
	JobStatusActive    JobStatus = "Active"
	JobStatusPaused    JobStatus = "Paused"
	JobStatusError     JobStatus = "Error"
	JobStatusCompleted JobStatus = "Completed"
)

// SyncStrategy selects how staged rows reach the final table.
type SyncStrategy string

const (
	StrategyReplace SyncStrategy = "REPLACE"
	StrategyAppend  SyncStrategy = "APPEND"
)

// ParseSyncStrategy accepts the stored names and the labels used by the
// configuration UI ("Replace (Overwrite)", "Append").
func ParseSyncStrategy(raw string) (SyncStrategy, error) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case v == string(StrategyReplace) || strings.HasPrefix(v, "REPLACE"):
		return StrategyReplace, nil
	case v == string(StrategyAppend):
		return StrategyAppend, nil
	default:
		return "", fmt.Errorf("unknown sync strategy %q", raw)
	}
}

// SchemaStatus tracks whether the source headers still match the mapping.
type SchemaStatus string

const (
	SchemaUnchecked SchemaStatus = "Unchecked"
	SchemaSynced    SchemaStatus = "Synced"
	SchemaChanged   SchemaStatus = "Changed"
)

// ColumnMapping pairs a source header with its destination column.
type ColumnMapping struct {
	OriginalName    string `json:"originalName" yaml:"originalName"`
	DestinationName string `json:"destinationName" yaml:"destinationName"`
}

type NotificationSettings struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Recipients []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty" yaml:"subject,omitempty"`
}

// SyncJob is the configuration of one sync job as supplied by the catalog.
type SyncJob struct {
	ID              string               `json:"id" yaml:"id"`
	Name            string               `json:"name" yaml:"name"`
	Source          SourceConfig         `json:"source" yaml:"source"`
	SchemaMapping   []ColumnMapping      `json:"schemaMapping" yaml:"schemaMapping"`
	DestinationID   string               `json:"destinationId" yaml:"destinationId"`
	DatasetID       string               `json:"datasetId" yaml:"datasetId"`
	DatasetLocation string               `json:"datasetLocation,omitempty" yaml:"datasetLocation,omitempty"`
	FinalTableName  string               `json:"finalTableName" yaml:"finalTableName"`
	CronSchedule    string               `json:"cronSchedule" yaml:"cronSchedule"`
	Strategy        SyncStrategy         `json:"syncStrategy" yaml:"syncStrategy"`
	ActiveFrom      *time.Time           `json:"activeFrom,omitempty" yaml:"activeFrom,omitempty"`
	ActiveUntil     *time.Time           `json:"activeUntil,omitempty" yaml:"activeUntil,omitempty"`
	Status          JobStatus            `json:"status" yaml:"status"`
	Archived        bool                 `json:"isArchived" yaml:"isArchived"`
	Notifications   NotificationSettings `json:"notificationSettings" yaml:"notificationSettings"`
	SchemaStatus    SchemaStatus         `json:"schemaStatus,omitempty" yaml:"schemaStatus,omitempty"`
	CreatedAt       time.Time            `json:"createdAt" yaml:"createdAt"`

	LastRunAt              *time.Time `json:"lastRun,omitempty" yaml:"-"`
	LastRunStatus          RunStatus  `json:"lastRunStatus,omitempty" yaml:"-"`
	LastRunRowsSynced      *int64     `json:"lastRunRowsSynced,omitempty" yaml:"-"`
	LastRunDurationSeconds *float64   `json:"lastRunDurationInSeconds,omitempty" yaml:"-"`
}

// Validate checks the fields the engine needs to run the job. Mapping rules
// live in the schema package.
func (j SyncJob) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if err := j.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if strings.TrimSpace(j.DestinationID) == "" {
		return errors.New("destination id is required")
	}
	if strings.TrimSpace(j.DatasetID) == "" {
		return errors.New("dataset id is required")
	}
	if strings.TrimSpace(j.FinalTableName) == "" {
		return errors.New("final table name is required")
	}
	switch j.Strategy {
	case StrategyReplace, StrategyAppend:
	default:
		return fmt.Errorf("unknown sync strategy %q", j.Strategy)
	}
	if j.ActiveFrom != nil && j.ActiveUntil != nil && j.ActiveUntil.Before(*j.ActiveFrom) {
		return errors.New("active until is before active from")
	}
	return nil
}

// Schedulable reports whether the scheduler should consider the job at all.
// Jobs in Error stay schedulable so the next tick retries them.
func (j SyncJob) Schedulable() bool {
	if j.Archived {
		return false
	}
	return j.Status == JobStatusActive || j.Status == JobStatusError
}

// DisplayName falls back to the id for jobs without a name.
func (j SyncJob) DisplayName() string {
	if name := strings.TrimSpace(j.Name); name != "" {
		return name
	}
	return j.ID
}
