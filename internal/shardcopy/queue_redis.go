package shardcopy

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps jobs in Redis: a pending list of job ids, a running set,
// one hash per job and a set of queued definitions for de-duplication.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

var _ QueueStore = (*RedisQueue)(nil)

// NewRedisQueueWithClient creates a queue on an existing client. Keys are
// prefixed with prefix and a colon.
func NewRedisQueueWithClient(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "shardcopy"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

// NewRedisQueue connects to the Redis server at url.
func NewRedisQueue(ctx context.Context, url, prefix string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisQueueWithClient(client, prefix), nil
}

func (q *RedisQueue) Close() error { return q.client.Close() }

func (q *RedisQueue) key(parts ...string) string {
	k := q.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) jobKey(id int64) string { return q.key("job", strconv.FormatInt(id, 10)) }

var dequeueScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then return false end
local key = ARGV[1] .. id
redis.call('HSET', key, 'status', ARGV[3], 'worker', ARGV[2])
local version = redis.call('HINCRBY', key, 'version', 1)
redis.call('SADD', KEYS[2], id)
return {id, version, redis.call('HGET', key, 'definition')}
`)

func (q *RedisQueue) DequeueJob(ctx context.Context, worker string) (*Job, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.key("pending"), q.key("running")},
		q.key("job")+":", worker, string(JobStatusRunning),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return &Job{ID: NoJobID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("dequeue job: unexpected reply %v", res)
	}
	idText, _ := res[0].(string)
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("dequeue job: bad id %q", idText)
	}
	version, _ := res[1].(int64)
	def, _ := res[2].(string)
	return &Job{ID: id, Version: version, Definition: def, Status: JobStatusRunning, Worker: worker}, nil
}

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'version') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'result', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('SREM', KEYS[2], ARGV[4])
redis.call('HINCRBY', KEYS[3], ARGV[2], 1)
return 1
`)

func (q *RedisQueue) CompleteJob(ctx context.Context, job *Job, failed bool, result string) error {
	status := JobStatusCompleted
	if failed {
		status = JobStatusFailed
	}
	ok, err := completeScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.key("running"), q.key("stats")},
		strconv.FormatInt(job.Version, 10), string(status), result, strconv.FormatInt(job.ID, 10),
	).Int()
	if err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("complete job %d: %w", job.ID, ErrJobVersionConflict)
	}
	job.Status = status
	job.Result = result
	job.Version++
	return nil
}

func (q *RedisQueue) EnqueueJobs(ctx context.Context, defs []Definition, rebuild bool) (int, error) {
	if rebuild {
		if err := q.clear(ctx); err != nil {
			return 0, err
		}
	}
	added := 0
	for _, d := range defs {
		text := d.String()
		n, err := q.client.SAdd(ctx, q.key("definitions"), text).Result()
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", text, err)
		}
		if n == 0 {
			continue
		}
		id, err := q.client.Incr(ctx, q.key("seq")).Result()
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", text, err)
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(id), "definition", text, "status", string(JobStatusPending), "version", 0)
			pipe.LPush(ctx, q.key("pending"), id)
			return nil
		})
		if err != nil {
			return added, fmt.Errorf("enqueue %s: %w", text, err)
		}
		added++
	}
	return added, nil
}

func (q *RedisQueue) clear(ctx context.Context) error {
	iter := q.client.Scan(ctx, 0, q.key("job", "*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	keys = append(keys, q.key("pending"), q.key("running"), q.key("definitions"), q.key("stats"))
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (q *RedisQueue) JobQueueIsNotEmpty(ctx context.Context) (bool, error) {
	s, err := q.Stats(ctx)
	if err != nil {
		return false, err
	}
	return s.Pending+s.Running > 0, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.key("pending"))
	running := pipe.SCard(ctx, q.key("running"))
	done := pipe.HGetAll(ctx, q.key("stats"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	s := &QueueStats{Pending: int(pending.Val()), Running: int(running.Val())}
	s.Completed, _ = strconv.Atoi(done.Val()[string(JobStatusCompleted)])
	s.Failed, _ = strconv.Atoi(done.Val()[string(JobStatusFailed)])
	return s, nil
}
