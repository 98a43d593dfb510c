package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"terminal/internal/session"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"
)

var _ session.Store = (*Repository)(nil)

var ErrNotFound = errors.New("session metadata not found")

// Repository mirrors live sessions into Redis and archives closed ones into
// Postgres. Either backend may be nil, in which case its calls are no-ops.
type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
	ttl   time.Duration
}

func NewRepository(db *pg.DB, redis redis.Cmdable, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = defaultMetadataTTL
	}
	return &Repository{
		db:    db,
		redis: redis,
		ttl:   ttl,
	}
}

// CreateSchema 创建归档表（已存在则跳过）
func (r *Repository) CreateSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	return r.db.WithContext(ctx).Model(&SessionModel{}).CreateTable(&orm.CreateTableOptions{
		IfNotExists: true,
	})
}

func (r *Repository) Put(ctx context.Context, s *session.Session) error {
	if r.redis == nil {
		return nil
	}

	b, err := json.Marshal(Metadata{
		ID:       s.ID,
		Project:  s.Slug,
		Created:  s.CreatedAt.UTC().Format(time.RFC3339),
		ClientIP: s.ClientAddr,
	})
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	return r.redis.Set(ctx, metadataKey(s.ID), b, r.ttl).Err()
}

func (r *Repository) Get(ctx context.Context, id string) (*Metadata, error) {
	if r.redis == nil {
		return nil, ErrNotFound
	}

	val, err := r.redis.Get(ctx, metadataKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var md Metadata
	if err := json.Unmarshal([]byte(val), &md); err != nil {
		return nil, fmt.Errorf("decode session metadata: %w", err)
	}
	return &md, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	if r.redis == nil {
		return nil
	}
	return r.redis.Del(ctx, metadataKey(id)).Err()
}

func (r *Repository) Archive(ctx context.Context, rec session.Record) error {
	if r.db == nil {
		return nil
	}

	model := &SessionModel{
		ID:             rec.ID,
		Project:        rec.Slug,
		ClientAddr:     rec.ClientAddr,
		CloseReason:    string(rec.Reason),
		DeniedCommands: rec.DeniedCommands,
		CreatedAt:      rec.CreatedAt,
		ClosedAt:       rec.ClosedAt,
	}
	_, err := r.db.WithContext(ctx).Model(model).OnConflict("(id) DO NOTHING").Insert()
	return err
}

// ListByProject returns the most recent archived sessions for a project.
func (r *Repository) ListByProject(ctx context.Context, project string, limit int) ([]SessionModel, error) {
	if r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var models []SessionModel
	err := r.db.WithContext(ctx).Model(&models).
		Where("project = ?", project).
		Order("closed_at DESC").
		Limit(limit).
		Select()
	if err != nil {
		return nil, err
	}
	return models, nil
}
