package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"terminal/internal/session"
	"terminal/internal/session/repo"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	r := repo.NewRepository(nil, client, time.Hour)

	s := session.New("minishell", "203.0.113.7")
	if err := r.Put(ctx, s); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	key := "terminal_session:" + s.ID
	if !mr.Exists(key) {
		t.Fatalf("Key %s not written", key)
	}
	if ttl := mr.TTL(key); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	md, err := r.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if md.ID != s.ID || md.Project != "minishell" || md.ClientIP != "203.0.113.7" {
		t.Errorf("Unexpected metadata: %+v", md)
	}
	if _, err := time.Parse(time.RFC3339, md.Created); err != nil {
		t.Errorf("Created not RFC3339: %q", md.Created)
	}

	if err := r.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.Get(ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestMetadataExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	r := repo.NewRepository(nil, client, time.Minute)

	s := session.New("libft", "")
	r.Put(ctx, s)
	mr.FastForward(2 * time.Minute)

	if _, err := r.Get(ctx, s.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("Expired metadata still readable: %v", err)
	}
}

func TestNilBackendsAreNoops(t *testing.T) {
	ctx := context.Background()
	r := repo.NewRepository(nil, nil, 0)
	s := session.New("libft", "")

	if err := r.Put(ctx, s); err != nil {
		t.Errorf("Put = %v", err)
	}
	if err := r.Delete(ctx, s.ID); err != nil {
		t.Errorf("Delete = %v", err)
	}
	if err := r.Archive(ctx, s.Record(time.Now())); err != nil {
		t.Errorf("Archive = %v", err)
	}
	if err := r.CreateSchema(ctx); err != nil {
		t.Errorf("CreateSchema = %v", err)
	}
	if models, err := r.ListByProject(ctx, "libft", 10); err != nil || models != nil {
		t.Errorf("ListByProject = %v, %v", models, err)
	}
}

func TestRedisUnavailable(t *testing.T) {
	mr, client := newRedis(t)
	r := repo.NewRepository(nil, client, time.Hour)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Put(ctx, session.New("libft", "")); err == nil {
		t.Error("Put against a closed Redis should fail")
	}
}
