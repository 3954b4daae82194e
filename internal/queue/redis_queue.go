package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue coordinates the single logical ready queue (keyed by tenant) and the
// in-flight lease set in Redis. Workers poll and lease; there are no consumer
// groups and no push delivery.
type Queue struct {
	client        *redis.Client
	tenantsKey    string
	readyPrefix   string
	inflightKey   string
	jobMetaPrefix string
	visibilityTTL time.Duration
}

// New builds a queue client.
func New(client *redis.Client, visibility time.Duration) *Queue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &Queue{
		client:        client,
		tenantsKey:    "queue:tenants",
		readyPrefix:   "queue:ready:",
		inflightKey:   "queue:inflight",
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
	}
}

func (q *Queue) readyKey(tenant string) string {
	return q.readyPrefix + tenant
}

func (q *Queue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Push makes a job visible to polling workers.
func (q *Queue) Push(ctx context.Context, tenant, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.tenantsKey, tenant)
	pipe.HSet(ctx, q.metaKey(jobID), "tenant", tenant)
	pipe.RPush(ctx, q.readyKey(tenant), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Claim pops the next ready job across tenants and places it into the
// in-flight set with a visibility deadline. Returns "" when nothing is ready.
// When tenant is non-empty only that tenant's queue is consulted.
func (q *Queue) Claim(ctx context.Context, tenant string) (string, error) {
	var keys []string
	if tenant != "" {
		keys = []string{q.readyKey(tenant), q.inflightKey}
	} else {
		tenants, err := q.client.SMembers(ctx, q.tenantsKey).Result()
		if err != nil {
			return "", err
		}
		if len(tenants) == 0 {
			return "", nil
		}
		keys = make([]string, 0, len(tenants)+1)
		for _, t := range tenants {
			keys = append(keys, q.readyKey(t))
		}
		keys = append(keys, q.inflightKey)
	}

	res, err := claimScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *Queue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// RequeueExpired reclaims leases that timed out, making the jobs visible
// again. Returns the reclaimed job ids.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		tenant, err := q.client.HGet(ctx, q.metaKey(id), "tenant").Result()
		if err == redis.Nil || tenant == "" {
			tenant = "default"
		} else if err != nil {
			tenant = "default"
		}
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(tenant), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Depth returns the total length of all tenant ready queues.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	tenants, err := q.client.SMembers(ctx, q.tenantsKey).Result()
	if err != nil {
		return 0, err
	}
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(tenants))
	for _, t := range tenants {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(t)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var claimScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local job = redis.call('LPOP', KEYS[i])
  if job then
    redis.call('ZADD', inflight, ARGV[1], job)
    return job
  end
end
return nil
`)
