package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"songzip/internal/config"
	"songzip/internal/consts"
	"songzip/internal/entity"
	"songzip/internal/errs"
	"songzip/internal/observability"

	"github.com/redis/go-redis/v9"
)

// maxTxRetries bounds optimistic transaction retries on concurrent writers.
const maxTxRetries = 10

// Keys: <prefix>:job:<id> => JSON(record)
// Sorted set <prefix>:jobs scored by expiry unix time, used for listing and cleanup.
type redisStore struct {
	log     *slog.Logger
	cfg     *config.Config
	metrics *observability.Metrics
	client  redis.UniversalClient
	prefix  string
}

// record carries the fields the public job JSON hides.
type record struct {
	Job     entity.Job `json:"job"`
	WorkDir string     `json:"work_dir"`
}

// NewRedis connects to Redis and returns a Redis backed storage.
func NewRedis(log *slog.Logger, cfg *config.Config, metrics *observability.Metrics) (Storer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()

		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}

	return NewRedisWithClient(log, cfg, metrics, client), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(
	log *slog.Logger,
	cfg *config.Config,
	metrics *observability.Metrics,
	client redis.UniversalClient,
) Storer {
	return &redisStore{
		log:     log.With(slog.String("package", "storage"), slog.String("backend", consts.StorageRedis)),
		cfg:     cfg,
		metrics: metrics,
		client:  client,
		prefix:  cfg.Redis.KeyPrefix,
	}
}

func (stg *redisStore) jobKey(id string) string { return stg.prefix + ":job:" + id }
func (stg *redisStore) indexKey() string        { return stg.prefix + ":jobs" }

func encodeRecord(job *entity.Job) ([]byte, error) {
	b, err := json.Marshal(record{Job: *job, WorkDir: job.WorkDir})
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	return b, nil
}

func decodeRecord(b []byte) (entity.Job, error) {
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return entity.Job{}, fmt.Errorf("unmarshal job: %w", err)
	}

	job := rec.Job.Clone()
	job.WorkDir = rec.WorkDir

	return job, nil
}

func (stg *redisStore) CreateJob(ctx context.Context, job *entity.Job) error {
	if job == nil {
		return errs.ErrJobNil
	}

	if job.ID == "" {
		return errs.ErrJobIDEmpty
	}

	b, err := encodeRecord(job)
	if err != nil {
		return err
	}

	created, err := stg.client.SetNX(ctx, stg.jobKey(job.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx: %w", err)
	}

	if !created {
		return errs.ErrJobAlreadyExists
	}

	err = stg.client.ZAdd(ctx, stg.indexKey(), redis.Z{
		Score:  float64(job.ExpiresAt.Unix()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd: %w", err)
	}

	stg.refreshGauge(ctx)

	return nil
}

func (stg *redisStore) GetJob(ctx context.Context, id string) (entity.Job, error) {
	b, err := stg.client.Get(ctx, stg.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entity.Job{}, errs.ErrJobNotFound
	}

	if err != nil {
		return entity.Job{}, fmt.Errorf("redis get: %w", err)
	}

	return decodeRecord(b)
}

func (stg *redisStore) GetJobs(ctx context.Context) ([]entity.Job, error) {
	ids, err := stg.client.ZRange(ctx, stg.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}

	jobs := make([]entity.Job, 0, len(ids))

	for _, id := range ids {
		job, err := stg.GetJob(ctx, id)
		if errors.Is(err, errs.ErrJobNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	if len(jobs) == 0 {
		return nil, errs.ErrNoJobs
	}

	return jobs, nil
}

// watch runs txFn in an optimistic transaction on the job key, retrying on conflicts.
func (stg *redisStore) watch(ctx context.Context, id string, txFn func(tx *redis.Tx) error) error {
	key := stg.jobKey(id)

	for range maxTxRetries {
		err := stg.client.Watch(ctx, txFn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("redis watch %s: %w", key, redis.TxFailedErr)
}

func (stg *redisStore) load(ctx context.Context, tx *redis.Tx, id string) (entity.Job, error) {
	b, err := tx.Get(ctx, stg.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return entity.Job{}, errs.ErrJobNotFound
	}

	if err != nil {
		return entity.Job{}, fmt.Errorf("redis get: %w", err)
	}

	return decodeRecord(b)
}

func (stg *redisStore) UpdateJob(ctx context.Context, id string, fn func(job *entity.Job) error) (entity.Job, error) {
	var updated entity.Job

	err := stg.watch(ctx, id, func(tx *redis.Tx) error {
		job, err := stg.load(ctx, tx, id)
		if err != nil {
			return err
		}

		updated = job.Clone()

		if err := fn(&job); err != nil {
			return err
		}

		b, err := encodeRecord(&job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stg.jobKey(id), b, 0)
			pipe.ZAdd(ctx, stg.indexKey(), redis.Z{Score: float64(job.ExpiresAt.Unix()), Member: id})

			return nil
		})
		if err != nil {
			return fmt.Errorf("redis tx: %w", err)
		}

		updated = job

		return nil
	})

	return updated.Clone(), err
}

func (stg *redisStore) ClaimJob(ctx context.Context, id string) (entity.Job, error) {
	var claimed entity.Job

	err := stg.watch(ctx, id, func(tx *redis.Tx) error {
		job, err := stg.load(ctx, tx, id)
		if err != nil {
			return err
		}

		if job.Status != entity.JobStatusDone {
			return errs.ErrJobNotReady
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, stg.jobKey(id))
			pipe.ZRem(ctx, stg.indexKey(), id)

			return nil
		})
		if err != nil {
			return fmt.Errorf("redis tx: %w", err)
		}

		claimed = job

		return nil
	})
	if err != nil {
		return entity.Job{}, err
	}

	stg.refreshGauge(ctx)

	return claimed, nil
}

func (stg *redisStore) DeleteJob(ctx context.Context, id string) error {
	pipe := stg.client.TxPipeline()
	del := pipe.Del(ctx, stg.jobKey(id))
	pipe.ZRem(ctx, stg.indexKey(), id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis tx: %w", err)
	}

	if del.Val() == 0 {
		return errs.ErrJobNotFound
	}

	stg.refreshGauge(ctx)

	return nil
}

func (stg *redisStore) CleanupExpiredJobs(ctx context.Context, interval time.Duration) {
	runCleanup(ctx, stg.log, interval, func(ctx context.Context) {
		performCleanup(ctx, stg.log, stg, stg.cfg.Dir.Temp, stg.metrics.RecordCleanup)
	})
}

func (stg *redisStore) expiredJobs(ctx context.Context, now time.Time) ([]entity.Job, error) {
	ids, err := stg.client.ZRangeByScore(ctx, stg.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}

	var expired []entity.Job

	for _, id := range ids {
		job, err := stg.GetJob(ctx, id)
		if errors.Is(err, errs.ErrJobNotFound) {
			// dangling index entry
			stg.client.ZRem(ctx, stg.indexKey(), id)

			continue
		}

		if err != nil {
			return nil, err
		}

		if job.Status.IsTerminal() {
			expired = append(expired, job)
		}
	}

	return expired, nil
}

func (stg *redisStore) refreshGauge(ctx context.Context) {
	if stg.metrics == nil {
		return
	}

	n, err := stg.client.ZCard(ctx, stg.indexKey()).Result()
	if err != nil {
		stg.log.DebugContext(ctx, "redis zcard", slog.Any("error", err))

		return
	}

	stg.metrics.SetStoredJobs(int(n))
}
