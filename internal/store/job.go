package store

import "time"

// Kind enumerates the job kinds the engine knows how to route to a
// handler. Values are lowercase/underscored to match the broker's wire
// contract.
type Kind string

const (
	KindEmail            Kind = "email"
	KindDataProcessing   Kind = "data_processing"
	KindReportGeneration Kind = "report_generation"
	KindImageProcessing  Kind = "image_processing"
	KindWebhook          Kind = "webhook"
)

// Status is the job's place in the worker pool's state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetrying   Status = "retrying"
)

// JSONMap is a structured key/value payload stored as a JSON column.
type JSONMap map[string]any

// Job is the authoritative record of one submitted job. It never leaves
// the Store except through Insert/Get/List results; all mutation goes
// through Store.Update.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"`

	Kind   Kind   `gorm:"type:varchar(32);index;not null" json:"kind"`
	Status Status `gorm:"type:varchar(16);index;not null" json:"status"`

	Payload JSONMap `gorm:"serializer:json;type:text;not null" json:"payload"`

	Priority int `gorm:"index;not null" json:"priority"`

	Attempts    int `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int `gorm:"not null" json:"max_attempts"`

	Result JSONMap `gorm:"serializer:json;type:text" json:"result,omitempty"`
	Error  *string `gorm:"type:text" json:"error,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }
