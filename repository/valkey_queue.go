package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AzielCF/az-publisher/domains/queue"
	"github.com/AzielCF/az-publisher/infrastructure/valkey"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
)

// Layout (all keys carry the client prefix and the {jobs} hash tag, so every
// key a script touches lives in one cluster slot):
//
//	{jobs}:job:<id>                 hash with the job fields
//	{jobs}:queue:<platform>:<state> sorted set per state
//	{jobs}:queue:seq                enqueue sequence counter
//
// queued scores are rank*1e12+seq (priority first, FIFO within a priority),
// scheduled scores are scheduled_at in unix ms, the other states use the
// transition time in unix ms.
//
// Scripts build job and index keys from prefix arguments; the shared hash tag
// keeps those keys in the slot of the declared ones.

// KEYS[1]=job key KEYS[2]=index key KEYS[3]=seq key
// ARGV[1]=id ARGV[2]=state ARGV[3]=score (rank for queued) ARGV[4..]=field/value pairs
const enqueueScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
local score = tonumber(ARGV[3])
if ARGV[2] == 'queued' then
	score = score * 1e12 + redis.call('INCR', KEYS[3])
end
for i = 4, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('ZADD', KEYS[2], score, ARGV[1])
return 1
`

// KEYS[1]=queued index KEYS[2]=processing index
// ARGV[1]=job key prefix ARGV[2]=owner ARGV[3]=now ms
const claimScript = `
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then return {} end
	local id = popped[1]
	local jk = ARGV[1] .. id
	if redis.call('HGET', jk, 'state') == 'queued' then
		redis.call('HSET', jk, 'state', 'processing', 'owner', ARGV[2], 'updated_at', ARGV[3], 'cancel_requested', '0')
		redis.call('ZADD', KEYS[2], ARGV[3], id)
		local r = redis.call('HGETALL', jk)
		table.insert(r, 1, 'ok')
		return r
	end
end
`

// KEYS[1]=job key KEYS[2]=seq key
// ARGV[1]=id ARGV[2]=index prefix ("...queue:{platform}:") ARGV[3]=allowed states (",a,b,", empty=any)
// ARGV[4]=expected owner ARGV[5]=to ARGV[6]=run_at ms ARGV[7]=now ms
// ARGV[8]=increment attempts ARGV[9]=reset attempts ARGV[10]=clear error
// ARGV[11]=last_error ARGV[12]=last_error_kind ARGV[13]=honor cancel
const transitionScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return {'notfound'} end
if ARGV[3] ~= '' and not string.find(ARGV[3], ',' .. state .. ',', 1, true) then return {'conflict', state} end
if ARGV[4] ~= '' and redis.call('HGET', KEYS[1], 'owner') ~= ARGV[4] then return {'notowner'} end

local to = ARGV[5]
if ARGV[13] == '1' and redis.call('HGET', KEYS[1], 'cancel_requested') == '1' then
	to = 'failed'
	redis.call('HSET', KEYS[1], 'last_error', 'publication cancelled', 'last_error_kind', 'cancelled')
else
	if ARGV[10] == '1' then
		redis.call('HSET', KEYS[1], 'last_error', '', 'last_error_kind', '')
	end
	if ARGV[11] ~= '' or ARGV[12] ~= '' then
		redis.call('HSET', KEYS[1], 'last_error', ARGV[11], 'last_error_kind', ARGV[12])
	end
end
if ARGV[9] == '1' then redis.call('HSET', KEYS[1], 'attempts', '0') end
if ARGV[8] == '1' then redis.call('HINCRBY', KEYS[1], 'attempts', 1) end

redis.call('ZREM', ARGV[2] .. state, ARGV[1])
local score = tonumber(ARGV[7])
if to == 'queued' then
	local rank = tonumber(redis.call('HGET', KEYS[1], 'rank') or '2')
	score = rank * 1e12 + redis.call('INCR', KEYS[2])
elseif to == 'scheduled' then
	score = tonumber(ARGV[6])
	redis.call('HSET', KEYS[1], 'scheduled_at', ARGV[6])
end
redis.call('ZADD', ARGV[2] .. to, score, ARGV[1])
redis.call('HSET', KEYS[1], 'state', to, 'updated_at', ARGV[7])
if to ~= 'processing' then
	redis.call('HSET', KEYS[1], 'owner', '', 'cancel_requested', '0')
end
local r = redis.call('HGETALL', KEYS[1])
table.insert(r, 1, 'ok')
return r
`

// KEYS[1]=scheduled index KEYS[2]=queued index KEYS[3]=seq key
// ARGV[1]=job key prefix ARGV[2]=now ms ARGV[3]=limit
const promoteScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))
local n = 0
for _, id in ipairs(due) do
	local jk = ARGV[1] .. id
	redis.call('ZREM', KEYS[1], id)
	if redis.call('HGET', jk, 'state') == 'scheduled' then
		local rank = tonumber(redis.call('HGET', jk, 'rank') or '2')
		redis.call('ZADD', KEYS[2], rank * 1e12 + redis.call('INCR', KEYS[3]), id)
		redis.call('HSET', jk, 'state', 'queued', 'updated_at', ARGV[2])
		n = n + 1
	end
end
return n
`

// KEYS[1]=job key
const requestCancelScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return -1 end
if state ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'cancel_requested', '1')
return 1
`

// ValkeyQueueStore implements queue.Store on Valkey sorted sets and hashes.
type ValkeyQueueStore struct {
	client *valkey.Client
}

func NewValkeyQueueStore(client *valkey.Client) *ValkeyQueueStore {
	return &ValkeyQueueStore{client: client}
}

// jobsTag is the hash tag shared by every queue key.
const jobsTag = "{jobs}"

func (s *ValkeyQueueStore) jobKey(id string) string {
	return s.client.Key(jobsTag, "job", id)
}

func (s *ValkeyQueueStore) jobPrefix() string {
	return s.client.Key(jobsTag, "job") + ":"
}

func (s *ValkeyQueueStore) indexKey(platform string, state queue.State) string {
	return s.client.Key(jobsTag, "queue", platform, string(state))
}

func (s *ValkeyQueueStore) indexPrefix(platform string) string {
	return s.client.Key(jobsTag, "queue", platform) + ":"
}

func (s *ValkeyQueueStore) seqKey() string {
	return s.client.Key(jobsTag, "queue", "seq")
}

func unavailable(err error) error {
	return pkgError.Unavailable("queue store", err)
}

func (s *ValkeyQueueStore) Insert(ctx context.Context, job *queue.Job) error {
	if job.State != queue.StateQueued && job.State != queue.StateScheduled {
		return fmt.Errorf("cannot insert job in state %s: %w", job.State, queue.ErrStateConflict)
	}
	score := strconv.Itoa(job.Priority.Rank())
	if job.State == queue.StateScheduled {
		score = strconv.FormatInt(job.ScheduledAt.UnixMilli(), 10)
	}
	args := append([]string{job.ID, string(job.State), score}, encodeJob(job)...)
	keys := []string{s.jobKey(job.ID), s.indexKey(job.Platform, job.State), s.seqKey()}
	n, err := s.client.Eval(ctx, enqueueScript, keys, args...).AsInt64()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return fmt.Errorf("job %s already exists: %w", job.ID, queue.ErrStateConflict)
	}
	return nil
}

func (s *ValkeyQueueStore) Get(ctx context.Context, id string) (*queue.Job, error) {
	inner := s.client.Inner()
	fields, err := inner.Do(ctx, inner.B().Hgetall().Key(s.jobKey(id)).Build()).AsStrMap()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, queue.ErrJobNotFound
		}
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrJobNotFound
	}
	return decodeJob(fields)
}

func (s *ValkeyQueueStore) Claim(ctx context.Context, platform, owner string, now time.Time) (*queue.Job, error) {
	keys := []string{s.indexKey(platform, queue.StateQueued), s.indexKey(platform, queue.StateProcessing)}
	reply, err := s.client.Eval(ctx, claimScript, keys, s.jobPrefix(), owner, ms(now)).AsStrSlice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(reply) == 0 {
		return nil, nil
	}
	return decodeReply(reply)
}

func (s *ValkeyQueueStore) Apply(ctx context.Context, id string, t queue.Transition) (*queue.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	allowed := ""
	if len(t.From) > 0 {
		parts := make([]string, len(t.From))
		for i, st := range t.From {
			parts[i] = string(st)
		}
		allowed = "," + strings.Join(parts, ",") + ","
	}
	args := []string{
		id,
		s.indexPrefix(job.Platform),
		allowed,
		t.ExpectedOwner,
		string(t.To),
		ms(t.RunAt),
		ms(t.Now),
		flag(t.IncrementAttempts),
		flag(t.ResetAttempts),
		flag(t.ClearError),
		t.LastError,
		t.LastErrorKind,
		flag(t.HonorCancel),
	}
	reply, err := s.client.Eval(ctx, transitionScript, []string{s.jobKey(id), s.seqKey()}, args...).AsStrSlice()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(reply) == 0 {
		return nil, unavailable(errors.New("empty transition reply"))
	}
	switch reply[0] {
	case "ok":
		return decodeReply(reply)
	case "notfound":
		return nil, queue.ErrJobNotFound
	case "notowner":
		return nil, queue.ErrNotOwner
	default:
		current := ""
		if len(reply) > 1 {
			current = reply[1]
		}
		return nil, fmt.Errorf("job %s is %s, want one of %v: %w", id, current, t.From, queue.ErrStateConflict)
	}
}

func (s *ValkeyQueueStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Eval(ctx, requestCancelScript, []string{s.jobKey(id)}).AsInt64()
	if err != nil {
		return false, unavailable(err)
	}
	if n < 0 {
		return false, queue.ErrJobNotFound
	}
	return n == 1, nil
}

func (s *ValkeyQueueStore) PromoteDue(ctx context.Context, platform string, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	keys := []string{s.indexKey(platform, queue.StateScheduled), s.indexKey(platform, queue.StateQueued), s.seqKey()}
	n, err := s.client.Eval(ctx, promoteScript, keys, s.jobPrefix(), ms(now), strconv.Itoa(limit)).AsInt64()
	if err != nil {
		return 0, unavailable(err)
	}
	return int(n), nil
}

func (s *ValkeyQueueStore) StaleProcessing(ctx context.Context, platform string, cutoff time.Time) ([]string, error) {
	inner := s.client.Inner()
	max := "(" + ms(cutoff)
	ids, err := inner.Do(ctx, inner.B().Zrangebyscore().Key(s.indexKey(platform, queue.StateProcessing)).Min("-inf").Max(max).Build()).AsStrSlice()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

func (s *ValkeyQueueStore) NextScheduled(ctx context.Context, platform string) (time.Time, error) {
	inner := s.client.Inner()
	cmd := inner.B().Zrangebyscore().Key(s.indexKey(platform, queue.StateScheduled)).Min("-inf").Max("+inf").Withscores().Limit(0, 1).Build()
	scores, err := inner.Do(ctx, cmd).AsZScores()
	if err != nil {
		return time.Time{}, unavailable(err)
	}
	if len(scores) == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(int64(scores[0].Score)), nil
}

func (s *ValkeyQueueStore) Counts(ctx context.Context, platform string) (queue.Counts, error) {
	inner := s.client.Inner()
	counts := queue.Counts{}
	for _, st := range queue.AllStates {
		n, err := inner.Do(ctx, inner.B().Zcard().Key(s.indexKey(platform, st)).Build()).AsInt64()
		if err != nil {
			return nil, unavailable(err)
		}
		counts[st] = n
	}
	return counts, nil
}

func (s *ValkeyQueueStore) List(ctx context.Context, platform string, state queue.State, limit int) ([]string, error) {
	inner := s.client.Inner()
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	ids, err := inner.Do(ctx, inner.B().Zrange().Key(s.indexKey(platform, state)).Min(strconv.FormatInt(start, 10)).Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

func encodeJob(j *queue.Job) []string {
	return []string{
		"id", j.ID,
		"publication_id", j.PublicationID,
		"platform", j.Platform,
		"account", j.Account,
		"topic", j.Topic,
		"payload_ref", j.PayloadRef,
		"priority", string(j.Priority),
		"rank", strconv.Itoa(j.Priority.Rank()),
		"state", string(j.State),
		"attempts", strconv.Itoa(j.Attempts),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"scheduled_at", ms(j.ScheduledAt),
		"created_at", ms(j.CreatedAt),
		"updated_at", ms(j.UpdatedAt),
		"last_error", j.LastError,
		"last_error_kind", j.LastErrorKind,
		"owner", j.Owner,
		"cancel_requested", flag(j.CancelRequested),
	}
}

func decodeReply(reply []string) (*queue.Job, error) {
	fields := make(map[string]string, len(reply)/2)
	for i := 1; i+1 < len(reply); i += 2 {
		fields[reply[i]] = reply[i+1]
	}
	return decodeJob(fields)
}

func decodeJob(f map[string]string) (*queue.Job, error) {
	attempts, err := strconv.Atoi(f["attempts"])
	if err != nil {
		return nil, fmt.Errorf("decode job %s attempts: %w", f["id"], err)
	}
	maxAttempts, _ := strconv.Atoi(f["max_attempts"])
	return &queue.Job{
		ID:              f["id"],
		PublicationID:   f["publication_id"],
		Platform:        f["platform"],
		Account:         f["account"],
		Topic:           f["topic"],
		PayloadRef:      f["payload_ref"],
		Priority:        queue.Priority(f["priority"]),
		State:           queue.State(f["state"]),
		Attempts:        attempts,
		MaxAttempts:     maxAttempts,
		ScheduledAt:     fromMs(f["scheduled_at"]),
		CreatedAt:       fromMs(f["created_at"]),
		UpdatedAt:       fromMs(f["updated_at"]),
		LastError:       f["last_error"],
		LastErrorKind:   f["last_error_kind"],
		Owner:           f["owner"],
		CancelRequested: f["cancel_requested"] == "1",
	}, nil
}

func ms(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func fromMs(s string) time.Time {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
