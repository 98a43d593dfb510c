package server

import (
	"context"
	"fmt"
	"log/slog"

	"terminal/internal/config"
	"terminal/internal/session/repo"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施。Redis 和 Postgres 都是可选的：
// 不可用时对应字段为 nil，网关照常提供终端服务
type Dependency struct {
	Redis       *redis.Client
	PG          *pg.DB
	AsynqClient *asynq.Client
	AsynqRedis  asynq.RedisConnOpt
	Logger      *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	deps := &Dependency{Logger: logger}

	redisOpts, asynqOpt, err := redisOptions(cfg.Redis)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, session metadata and events disabled", "addr", redisOpts.Addr, "error", err)
		redisClient.Close()
	} else {
		deps.Redis = redisClient
		deps.AsynqRedis = asynqOpt
		deps.AsynqClient = asynq.NewClient(asynqOpt)
	}

	if cfg.Postgres.Enabled {
		pgDB := pg.Connect(&pg.Options{
			Addr:     cfg.Postgres.Addr,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
		})
		if _, err := pgDB.ExecContext(ctx, "SELECT 1"); err != nil {
			pgDB.Close()
			deps.Close()
			return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
		}

		// 迁移数据库 schema
		if err := repo.NewRepository(pgDB, nil, 0).CreateSchema(ctx); err != nil {
			pgDB.Close()
			deps.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
		deps.PG = pgDB
	}

	return deps, nil
}

// redisOptions 优先使用 REDIS_URL，否则使用 Addr/Password/DB
func redisOptions(cfg config.RedisConfig) (*redis.Options, asynq.RedisConnOpt, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		asynqOpt, err := asynq.ParseRedisURI(cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL for asynq: %w", err)
		}
		return opts, asynqOpt, nil
	}

	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	return opts, asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}, nil
}

// PingDocker 仅用于主机自检：网关进程能连上 Docker 守护进程即视为不安全
func PingDocker(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

func (d *Dependency) Close() {
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
}
