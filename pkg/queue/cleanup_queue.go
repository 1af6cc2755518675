// Package queue runs archive cleanup jobs on a Redis Stream consumer group,
// so object deletions survive restarts and are retried on failure.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"mediagate/internal/util"
)

// Job is one pending archive object deletion.
type Job struct {
	ID         string
	ObjectKey  string
	Attempts   int
	EnqueuedAt time.Time
}

// Handler processes a job. A non-nil error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// Config tunes the queue. Zero values take defaults.
type Config struct {
	Stream     string
	Group      string
	Consumer   string
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
}

// CleanupQueue is safe for concurrent use.
type CleanupQueue struct {
	client       redis.UniversalClient
	stream       string
	group        string
	consumerBase string
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
}

func NewCleanupQueue(client redis.UniversalClient, cfg Config) (*CleanupQueue, error) {
	if client == nil {
		return nil, errors.New("cleanup queue redis client is required")
	}
	q := &CleanupQueue{
		client:       client,
		stream:       strings.TrimSpace(cfg.Stream),
		group:        strings.TrimSpace(cfg.Group),
		consumerBase: strings.TrimSpace(cfg.Consumer),
		maxRetries:   cfg.MaxRetries,
		block:        cfg.Block,
		claimIdle:    cfg.ClaimIdle,
		retryDelay:   cfg.RetryDelay,
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
	}
	if q.stream == "" {
		q.stream = "mediagate:archive:cleanup"
	}
	if q.group == "" {
		q.group = "cleanup"
	}
	if q.consumerBase == "" {
		q.consumerBase = util.NewID()
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = time.Minute
	}
	if q.retryDelay < 0 {
		q.retryDelay = 0
	} else if q.retryDelay == 0 {
		q.retryDelay = 2 * time.Second
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.readCount <= 0 {
		q.readCount = 10
	}
	return q, nil
}

// Enqueue schedules deletion of objectKey and returns the job id.
func (q *CleanupQueue) Enqueue(ctx context.Context, objectKey string) (string, error) {
	objectKey = strings.TrimSpace(objectKey)
	if objectKey == "" {
		return "", errors.New("object key required")
	}
	job := Job{ID: util.NewID(), ObjectKey: objectKey, EnqueuedAt: time.Now().UTC()}
	if err := q.client.XAdd(ctx, q.addArgs(job)).Err(); err != nil {
		return "", fmt.Errorf("enqueue cleanup: %w", err)
	}
	return job.ID, nil
}

// Run consumes with concurrency consumers until ctx is cancelled.
func (q *CleanupQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if handler == nil {
		return errors.New("cleanup handler is required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		g.Go(func() error {
			q.consumeLoop(ctx, consumer, handler)
			return nil
		})
	}
	return g.Wait()
}

func (q *CleanupQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *CleanupQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	logger := util.LoggerFromContext(ctx).With("consumer", consumer)
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			logger.Warn("read cleanup stream failed", "err", err)
			sleep(ctx, time.Second)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

// claimPending takes over messages left unacknowledged by a dead consumer.
func (q *CleanupQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

func (q *CleanupQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	logger := util.LoggerFromContext(ctx)
	job, ok := decodeJob(msg)
	if !ok {
		logger.Warn("dropping malformed cleanup message", "msg_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job.Attempts++
	err := handler(ctx, job)
	if err == nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if job.Attempts >= q.maxRetries {
		logger.Error("archive cleanup gave up", "job_id", job.ID, "object", job.ObjectKey, "attempts", job.Attempts, "err", err)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger.Warn("archive cleanup failed, retrying", "job_id", job.ID, "object", job.ObjectKey, "attempts", job.Attempts, "err", err)
	if !sleep(ctx, q.retryDelay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, job); err != nil {
		logger.Warn("requeue cleanup job failed", "job_id", job.ID, "err", err)
	}
}

func (q *CleanupQueue) ackAndDel(ctx context.Context, msgID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeueAndAck re-adds job and settles the old message in one transaction.
// On failure the old message stays pending and is reclaimed later.
func (q *CleanupQueue) requeueAndAck(ctx context.Context, msgID string, job Job) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(job))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *CleanupQueue) addArgs(job Job) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":      job.ID,
			"object_key":  job.ObjectKey,
			"attempts":    strconv.Itoa(job.Attempts),
			"enqueued_at": job.EnqueuedAt.Format(time.RFC3339Nano),
		},
	}
}

func decodeJob(msg redis.XMessage) (Job, bool) {
	id, _ := msg.Values["job_id"].(string)
	key, _ := msg.Values["object_key"].(string)
	if id == "" || key == "" {
		return Job{}, false
	}
	job := Job{ID: id, ObjectKey: key}
	if v, _ := msg.Values["attempts"].(string); v != "" {
		job.Attempts, _ = strconv.Atoi(v)
	}
	if v, _ := msg.Values["enqueued_at"].(string); v != "" {
		job.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, v)
	}
	return job, true
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
