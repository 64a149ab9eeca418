package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var ErrNotFound = errors.New("store: job not found")

// Store is the durable record of every job's authoritative state. All
// mutation funnels through Update so started_at/completed_at and the
// attempts counter are maintained in one place.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates/updates the jobs table. Versioned, reversible schema
// migration tooling lives elsewhere; this relies on GORM AutoMigrate for
// local/dev bootstrapping.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Job{})
}

// Insert writes a new record with status Queued and attempts = 0.
func (s *Store) Insert(ctx context.Context, j *Job) error {
	j.Status = StatusQueued
	j.Attempts = 0
	return s.db.WithContext(ctx).Create(j).Error
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// Filter narrows List by status and/or kind, with offset/limit
// pagination (limit capped to 100, like the submitter-facing List
// operation).
type Filter struct {
	Status *Status
	Kind   *Kind
	Skip   int
	Limit  int
}

func (s *Store) List(ctx context.Context, f Filter) ([]Job, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&Job{}).Order("created_at DESC")
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.Kind != nil {
		q = q.Where("kind = ?", *f.Kind)
	}
	var jobs []Job
	if err := q.Offset(f.Skip).Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// Patch is a partial update; only non-nil fields are applied. Update is
// the only path that changes status: it recomputes updated_at, sets
// completed_at on entry to a terminal state, and sets started_at only
// the first time the job enters Processing.
type Patch struct {
	Status      *Status
	Attempts    *int
	Result      JSONMap
	Error       *string
	ClearError  bool
}

func (s *Store) Update(ctx context.Context, id string, p Patch) (*Job, error) {
	var updated *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.First(&j, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		patch := map[string]any{}

		if p.Status != nil {
			patch["status"] = *p.Status
			switch *p.Status {
			case StatusCompleted, StatusFailed:
				if j.CompletedAt == nil {
					now := time.Now()
					patch["completed_at"] = now
				}
			case StatusProcessing:
				if j.StartedAt == nil {
					now := time.Now()
					patch["started_at"] = now
				}
			}
		}
		if p.Attempts != nil {
			// Attempts never decreases.
			if *p.Attempts > j.Attempts {
				patch["attempts"] = *p.Attempts
			}
		}
		if p.Result != nil {
			patch["result"] = p.Result
		}
		if p.Error != nil {
			patch["error"] = *p.Error
		} else if p.ClearError {
			patch["error"] = nil
		}

		if len(patch) == 0 {
			updated = &j
			return nil
		}

		if err := tx.Model(&Job{}).Where("id = ?", id).Updates(patch).Error; err != nil {
			return err
		}
		if err := tx.First(&j, "id = ?", id).Error; err != nil {
			return err
		}
		updated = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CountByStatus returns the number of jobs in each status, used by
// Dispatcher.Stats.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status Status
		Count  int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Model(&Job{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}
