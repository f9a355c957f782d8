package store

import "context"

// Store is the persistence contract: workflow run history, the append-only
// event log, registered definitions, and cron schedules. Implementations
// must be safe for concurrent use.
type Store interface {
	// Workflow runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	DeleteRun(ctx context.Context, id string) error

	// Event log (append-only, per-run sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Registered workflow definitions
	StoreDefinition(ctx context.Context, def *StoredDefinition) error
	GetDefinition(ctx context.Context, name, version string) (*StoredDefinition, error)
	ListDefinitions(ctx context.Context, limit int) ([]*StoredDefinition, error)
	DeleteDefinition(ctx context.Context, name, version string) error

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
