package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/AzielCF/az-publisher/domains/publication"
	"github.com/AzielCF/az-publisher/domains/queue"
	"gorm.io/gorm"
)

// --- Persistence Models ---

type publicationModel struct {
	ID          string       `gorm:"primaryKey;column:id"`
	Topic       string       `gorm:"column:topic"`
	ContentRef  string       `gorm:"column:content_ref;not null"`
	Platforms   string       `gorm:"column:platforms;not null"` // comma separated
	ScheduleAt  sql.NullTime `gorm:"column:schedule_at"`
	Priority    string       `gorm:"column:priority;default:'normal'"`
	MaxAttempts int          `gorm:"column:max_attempts"`
	Jobs        string       `gorm:"column:jobs;type:text"` // JSON platform -> job id
	Cancelled   bool         `gorm:"column:cancelled;default:false"`
	CreatedAt   time.Time    `gorm:"column:created_at;not null;index"`
}

func (publicationModel) TableName() string { return "publications" }

// --- Repository Implementation ---

type PublicationGormRepository struct {
	db *gorm.DB
}

func NewPublicationGormRepository(db *gorm.DB) *PublicationGormRepository {
	return &PublicationGormRepository{db: db}
}

func (r *PublicationGormRepository) Init(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&publicationModel{})
}

func (r *PublicationGormRepository) Create(ctx context.Context, p *publication.Publication) error {
	model, err := toPublicationModel(p)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *PublicationGormRepository) Get(ctx context.Context, id string) (*publication.Publication, error) {
	var m publicationModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, publication.ErrPublicationNotFound
		}
		return nil, err
	}
	return fromPublicationModel(m)
}

func (r *PublicationGormRepository) SetCancelled(ctx context.Context, id string, cancelled bool) error {
	res := r.db.WithContext(ctx).Model(&publicationModel{}).Where("id = ?", id).Update("cancelled", cancelled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return publication.ErrPublicationNotFound
	}
	return nil
}

func (r *PublicationGormRepository) List(ctx context.Context, limit, offset int) ([]*publication.Publication, error) {
	var models []publicationModel
	q := r.db.WithContext(ctx).Order("created_at DESC").Order("id ASC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]*publication.Publication, 0, len(models))
	for _, m := range models {
		p, err := fromPublicationModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func toPublicationModel(p *publication.Publication) (publicationModel, error) {
	jobs, err := json.Marshal(p.Jobs)
	if err != nil {
		return publicationModel{}, err
	}
	m := publicationModel{
		ID:          p.ID,
		Topic:       p.Topic,
		ContentRef:  p.ContentRef,
		Platforms:   strings.Join(p.Platforms, ","),
		Priority:    string(p.Priority),
		MaxAttempts: p.MaxAttempts,
		Jobs:        string(jobs),
		Cancelled:   p.Cancelled,
		CreatedAt:   p.CreatedAt,
	}
	if p.ScheduleAt != nil {
		m.ScheduleAt = sql.NullTime{Time: *p.ScheduleAt, Valid: true}
	}
	return m, nil
}

func fromPublicationModel(m publicationModel) (*publication.Publication, error) {
	p := &publication.Publication{
		ID:          m.ID,
		Topic:       m.Topic,
		ContentRef:  m.ContentRef,
		Priority:    queue.Priority(m.Priority),
		MaxAttempts: m.MaxAttempts,
		Cancelled:   m.Cancelled,
		CreatedAt:   m.CreatedAt,
		Jobs:        map[string]string{},
	}
	if m.Platforms != "" {
		p.Platforms = strings.Split(m.Platforms, ",")
	}
	if m.ScheduleAt.Valid {
		t := m.ScheduleAt.Time
		p.ScheduleAt = &t
	}
	if m.Jobs != "" {
		if err := json.Unmarshal([]byte(m.Jobs), &p.Jobs); err != nil {
			return nil, err
		}
	}
	return p, nil
}
