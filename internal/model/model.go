// Package model holds the persisted entities shared by the store, the
// scheduler and the sync engine.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the administrative state of a job.
type JobStatus string

const (
	JobActive   JobStatus = "active"
	JobInactive JobStatus = "inactive"
	JobPaused   JobStatus = "paused"
)

// SyncMode selects full refresh or incremental transfer.
type SyncMode string

const (
	SyncFull        SyncMode = "full"
	SyncIncremental SyncMode = "incremental"
)

// ConflictStrategy controls how inserts behave when the destination
// already holds a conflicting row.
type ConflictStrategy string

const (
	ConflictError   ConflictStrategy = "error"
	ConflictIgnore  ConflictStrategy = "ignore"
	ConflictReplace ConflictStrategy = "replace"
	ConflictSkip    ConflictStrategy = "skip"
)

// ExecutionMode distinguishes manually triggered jobs from cron-driven ones.
type ExecutionMode string

const (
	ExecImmediate ExecutionMode = "immediate"
	ExecScheduled ExecutionMode = "scheduled"
)

// IncrementalStrategy is the per-table watermark strategy.
type IncrementalStrategy string

const (
	IncNone            IncrementalStrategy = "none"
	IncAutoID          IncrementalStrategy = "auto_id"
	IncAutoTimestamp   IncrementalStrategy = "auto_timestamp"
	IncCustomCondition IncrementalStrategy = "custom_condition"
)

// RunState is the outcome of one execution recorded in job_execution_logs.
type RunState string

const (
	RunRunning   RunState = "running"
	RunSuccess   RunState = "success"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// ControlState is the live control status of a run in job_execution_status.
type ControlState string

const (
	ControlRunning       ControlState = "running"
	ControlStopRequested ControlState = "stop_requested"
	ControlStopped       ControlState = "stopped"
	ControlCompleted     ControlState = "completed"
	ControlFailed        ControlState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s ControlState) Terminal() bool {
	switch s {
	case ControlStopped, ControlCompleted, ControlFailed:
		return true
	}
	return false
}

// Connection is a stored database endpoint. Password and DSN are kept
// encrypted at rest; the plaintext never leaves the orchestrator.
type Connection struct {
	ID           int64
	Name         string
	Description  string
	Host         string
	Port         int
	DatabaseName string
	Username     string
	PasswordEnc  string
	DSNEnc       string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Job is a configured synchronization task.
type Job struct {
	ID               int64
	Name             string
	Description      string
	SourceDBID       int64
	DestinationDBID  int64
	SyncMode         SyncMode
	ConflictStrategy ConflictStrategy
	WhereCondition   string
	ExecutionMode    ExecutionMode
	CronExpression   string
	Timezone         string
	Status           JobStatus
	IsRunning        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastRunAt        *time.Time
	NextRunAt        *time.Time
}

// TargetTable is one table a job synchronizes, with its own incremental
// configuration and watermark.
type TargetTable struct {
	ID                  int64
	JobID               int64
	SchemaName          string
	TableName           string
	IsActive            bool
	IncrementalStrategy IncrementalStrategy
	IncrementalField    string
	CustomCondition     string
	LastSyncValue       string
	CreatedAt           time.Time
}

// QualifiedName returns schema.table for log lines.
func (t TargetTable) QualifiedName() string {
	return t.SchemaName + "." + t.TableName
}

// RunLog is the historical record of one execution.
type RunLog struct {
	ID                 int64
	JobID              int64
	Status             RunState
	StartTime          time.Time
	EndTime            *time.Time
	DurationSeconds    *int
	TablesProcessed    int
	RecordsTransferred int64
	LogDetails         string
	ErrorMessage       string
	ErrorTraceback     string
}

// RunStatus is the lightweight control row for a live (or recent) run.
type RunStatus struct {
	ID                 int64
	JobID              int64
	ExecutionLogID     *int64
	Status             ControlState
	CancelRequested    bool
	CurrentStage       string
	ProgressPercentage int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ValidateConnection checks a connection before it is stored.
func ValidateConnection(c Connection) error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if strings.TrimSpace(c.DatabaseName) == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	if strings.TrimSpace(c.Username) == "" {
		errs = append(errs, errors.New("username is required"))
	}
	return errors.Join(errs...)
}

// ValidateJob checks a job definition before it is stored.
func ValidateJob(j Job) error {
	var errs []error
	if strings.TrimSpace(j.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if j.SourceDBID == 0 {
		errs = append(errs, errors.New("source connection is required"))
	}
	if j.DestinationDBID == 0 {
		errs = append(errs, errors.New("destination connection is required"))
	}
	if j.SourceDBID != 0 && j.SourceDBID == j.DestinationDBID {
		errs = append(errs, errors.New("source and destination connections must differ"))
	}
	switch j.SyncMode {
	case SyncFull, SyncIncremental:
	default:
		errs = append(errs, fmt.Errorf("unknown sync mode %q", j.SyncMode))
	}
	switch j.ConflictStrategy {
	case ConflictError, ConflictIgnore, ConflictReplace, ConflictSkip:
	default:
		errs = append(errs, fmt.Errorf("unknown conflict strategy %q", j.ConflictStrategy))
	}
	switch j.ExecutionMode {
	case ExecImmediate:
	case ExecScheduled:
		if strings.TrimSpace(j.CronExpression) == "" {
			errs = append(errs, errors.New("scheduled jobs require a cron expression"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown execution mode %q", j.ExecutionMode))
	}
	if j.CronExpression != "" {
		if n := len(strings.Fields(j.CronExpression)); n != 5 {
			errs = append(errs, fmt.Errorf("cron expression must have 5 fields, got %d", n))
		}
	}
	if j.Timezone != "" {
		if _, err := time.LoadLocation(j.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid timezone %q", j.Timezone))
		}
	}
	return errors.Join(errs...)
}

// ValidateTargetTable checks one target table definition.
func ValidateTargetTable(t TargetTable) error {
	var errs []error
	if strings.TrimSpace(t.SchemaName) == "" {
		errs = append(errs, errors.New("schema name is required"))
	}
	if strings.TrimSpace(t.TableName) == "" {
		errs = append(errs, errors.New("table name is required"))
	}
	switch t.IncrementalStrategy {
	case IncNone, IncAutoID, IncAutoTimestamp:
	case IncCustomCondition:
		if strings.TrimSpace(t.CustomCondition) == "" {
			errs = append(errs, errors.New("custom_condition strategy requires a condition"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown incremental strategy %q", t.IncrementalStrategy))
	}
	return errors.Join(errs...)
}
