package repository

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-inbox/queue/domain/job"
	"gorm.io/gorm"
)

type jobModel struct {
	ID         string     `gorm:"primaryKey;column:id"`
	Kind       string     `gorm:"column:kind;not null;index:idx_queue_jobs_kind_key;index:idx_queue_jobs_kind_status"`
	Key        string     `gorm:"column:job_key;not null;index:idx_queue_jobs_kind_key"`
	Payload    string     `gorm:"column:payload;type:text"`
	Attempts   int        `gorm:"column:attempts;default:0"`
	Status     string     `gorm:"column:status;not null;index:idx_queue_jobs_kind_status"`
	Error      string     `gorm:"column:error;type:text"`
	EnqueuedAt time.Time  `gorm:"column:enqueued_at;not null"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;not null"`
	FinishedAt *time.Time `gorm:"column:finished_at;index"`
}

func (jobModel) TableName() string { return "queue_jobs" }

// JobGormStore persists jobs so their history survives restarts.
type JobGormStore struct {
	db *gorm.DB
}

func NewJobGormStore(db *gorm.DB) *JobGormStore {
	return &JobGormStore{db: db}
}

func (s *JobGormStore) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobModel{})
}

func (s *JobGormStore) Create(ctx context.Context, j job.Job) error {
	m := toJobModel(j)
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *JobGormStore) Get(ctx context.Context, id string) (job.Job, error) {
	var m jobModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}
	return fromJobModel(m), nil
}

func (s *JobGormStore) Update(ctx context.Context, j job.Job) error {
	m := toJobModel(j)
	res := s.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", j.ID).Updates(map[string]any{
		"attempts":    m.Attempts,
		"status":      m.Status,
		"error":       m.Error,
		"updated_at":  m.UpdatedAt,
		"finished_at": m.FinishedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return job.ErrJobNotFound
	}
	return nil
}

func (s *JobGormStore) HasLive(ctx context.Context, kind job.Kind, key string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("kind = ? AND job_key = ? AND status IN ?", string(kind), key, []string{string(job.StatusPending), string(job.StatusActive)}).
		Count(&count).Error
	return count > 0, err
}

func (s *JobGormStore) ListByStatus(ctx context.Context, kind job.Kind, status job.Status) ([]job.Job, error) {
	var models []jobModel
	if err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ?", string(kind), string(status)).
		Order("enqueued_at asc").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]job.Job, 0, len(models))
	for _, m := range models {
		out = append(out, fromJobModel(m))
	}
	return out, nil
}

// PurgeFinished selects a bounded batch of ids first so the delete never
// scans more than limit rows.
func (s *JobGormStore) PurgeFinished(ctx context.Context, kind job.Kind, before time.Time, limit int) (int, error) {
	var ids []string
	q := s.db.WithContext(ctx).Model(&jobModel{}).
		Where("kind = ? AND status IN ? AND finished_at < ?", string(kind), []string{string(job.StatusCompleted), string(job.StatusFailed)}, before).
		Order("finished_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&jobModel{})
	return int(res.RowsAffected), res.Error
}

func toJobModel(j job.Job) jobModel {
	return jobModel{
		ID:         j.ID,
		Kind:       string(j.Kind),
		Key:        j.Key,
		Payload:    string(j.Payload),
		Attempts:   j.Attempts,
		Status:     string(j.Status),
		Error:      j.Error,
		EnqueuedAt: j.EnqueuedAt,
		UpdatedAt:  j.UpdatedAt,
		FinishedAt: j.FinishedAt,
	}
}

func fromJobModel(m jobModel) job.Job {
	return job.Job{
		ID:         m.ID,
		Kind:       job.Kind(m.Kind),
		Key:        m.Key,
		Payload:    []byte(m.Payload),
		Attempts:   m.Attempts,
		Status:     job.Status(m.Status),
		Error:      m.Error,
		EnqueuedAt: m.EnqueuedAt,
		UpdatedAt:  m.UpdatedAt,
		FinishedAt: m.FinishedAt,
	}
}
