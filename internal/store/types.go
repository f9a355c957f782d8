package store

import (
	"encoding/json"
	"time"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// WorkflowRun is the persisted record of one workflow execution.
type WorkflowRun struct {
	ID                string                `json:"id"`
	Name              string                `json:"name"`
	DefinitionName    string                `json:"definition_name,omitempty"`
	DefinitionVersion string                `json:"definition_version,omitempty"`
	Status            schema.WorkflowStatus `json:"status"`
	Inputs            map[string]any        `json:"inputs,omitempty"`
	FinalState        json.RawMessage       `json:"final_state,omitempty"`
	Failure           string                `json:"failure,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// Event is one immutable entry in a run's event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	StepID     string          `json:"step_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// StoredDefinition is a registered workflow definition, addressable by
// name and version so schedules can start it without re-loading YAML.
type StoredDefinition struct {
	Name        string                     `json:"name"`
	Version     string                     `json:"version"`
	Description string                     `json:"description,omitempty"`
	Definition  *schema.WorkflowDefinition `json:"definition"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// ScheduledJob is a cron-triggered workflow start.
type ScheduledJob struct {
	ID                string          `json:"id"`
	DefinitionName    string          `json:"definition_name"`
	DefinitionVersion string          `json:"definition_version,omitempty"`
	CronExpression    string          `json:"cron_expression"`
	Inputs            json.RawMessage `json:"inputs,omitempty"`
	Enabled           bool            `json:"enabled"`
	LastRunAt         *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt         *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus     string          `json:"last_run_status,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RunFilter specifies criteria for listing workflow runs.
type RunFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Name   string                 `json:"name,omitempty"`
	Since  *time.Time             `json:"since,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// RunUpdate specifies the mutable fields of a workflow run.
type RunUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	FinalState  json.RawMessage        `json:"final_state,omitempty"`
	Failure     *string                `json:"failure,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// ScheduledJobUpdate specifies the mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	DefinitionName string `json:"definition_name,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
