package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	accountTTL     = 62 * 24 * time.Hour
	reservationTTL = 90 * 24 * time.Hour
)

// reserveScript checks and places a hold in one step.
// KEYS: account, reservation, run index
// ARGV: id, run_id, user_id, amount, period, allowance, now, account ttl, reservation ttl
var reserveScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[3])
if existing then
	return {2, existing}
end

local committed = tonumber(redis.call('HGET', KEYS[1], 'committed') or '0')
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local amount = tonumber(ARGV[4])

if committed + reserved + amount > tonumber(ARGV[6]) then
	return {0, ''}
end

redis.call('HINCRBY', KEYS[1], 'reserved', amount)
redis.call('PEXPIRE', KEYS[1], ARGV[8])
redis.call('HSET', KEYS[2],
	'id', ARGV[1], 'run_id', ARGV[2], 'user_id', ARGV[3], 'amount', ARGV[4],
	'state', 'reserved', 'period', ARGV[5], 'created_at', ARGV[7], 'updated_at', ARGV[7])
redis.call('PEXPIRE', KEYS[2], ARGV[9])
redis.call('SET', KEYS[3], ARGV[1], 'PX', ARGV[9])
return {1, ARGV[1]}
`)

// transitionScript settles a reservation.
// KEYS: reservation, account
// ARGV: target state, now
// Returns 1 changed, 0 already in target state, -1 missing, -2 other terminal state.
var transitionScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return -1
end
if state == ARGV[1] then
	return 0
end
if state ~= 'reserved' then
	return -2
end

local amount = tonumber(redis.call('HGET', KEYS[1], 'amount'))
redis.call('HINCRBY', KEYS[2], 'reserved', -amount)
if ARGV[1] == 'committed' then
	redis.call('HINCRBY', KEYS[2], 'committed', amount)
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func accountKey(userID, period string) string {
	return "adventure:credits:" + userID + ":" + period
}

func reservationKey(id string) string {
	return "adventure:reservation:" + id
}

func runKey(runID string) string {
	return "adventure:reservation:run:" + runID
}

func (s *RedisStore) Reserve(ctx context.Context, res *domain.CreditReservation, allowance int64) (*domain.CreditReservation, error) {
	keys := []string{accountKey(res.UserID, res.Period), reservationKey(res.ID), runKey(res.RunID)}
	out, err := reserveScript.Run(ctx, s.client, keys,
		res.ID, res.RunID, res.UserID, res.Amount, res.Period, allowance,
		res.CreatedAt.UTC().Format(time.RFC3339Nano),
		accountTTL.Milliseconds(), reservationTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve script: %w", err)
	}
	if len(out) != 2 {
		return nil, fmt.Errorf("reserve script: unexpected reply %v", out)
	}

	code, _ := out[0].(int64)
	switch code {
	case 0:
		return nil, domain.ErrInsufficientCredits
	case 2:
		id, _ := out[1].(string)
		return s.Get(ctx, id)
	}

	stored := *res
	return &stored, nil
}

func (s *RedisStore) Transition(ctx context.Context, id string, to domain.ReservationState, at time.Time) (*domain.CreditReservation, bool, error) {
	res, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	code, err := transitionScript.Run(ctx, s.client,
		[]string{reservationKey(id), accountKey(res.UserID, res.Period)},
		string(to), at.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return nil, false, fmt.Errorf("transition script: %w", err)
	}

	switch code {
	case -1:
		return nil, false, domain.ErrReservationNotFound
	case -2:
		return nil, false, domain.ErrInvalidTransition
	case 0:
		res.State = to
		return res, false, nil
	}

	res.State = to
	res.UpdatedAt = at
	return res, true, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*domain.CreditReservation, error) {
	fields, err := s.client.HGetAll(ctx, reservationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get reservation: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrReservationNotFound
	}

	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse reservation amount: %w", err)
	}
	created, _ := time.Parse(time.RFC3339Nano, fields["created_at"])
	updated, _ := time.Parse(time.RFC3339Nano, fields["updated_at"])

	return &domain.CreditReservation{
		ID:        fields["id"],
		RunID:     fields["run_id"],
		UserID:    fields["user_id"],
		Amount:    amount,
		State:     domain.ReservationState(fields["state"]),
		Period:    fields["period"],
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func (s *RedisStore) Balance(ctx context.Context, userID, period string) (int64, int64, error) {
	vals, err := s.client.HMGet(ctx, accountKey(userID, period), "committed", "reserved").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, fmt.Errorf("get balance: %w", err)
	}

	parse := func(v any) int64 {
		str, ok := v.(string)
		if !ok {
			return 0
		}
		n, _ := strconv.ParseInt(str, 10, 64)
		return n
	}
	if len(vals) != 2 {
		return 0, 0, nil
	}
	return parse(vals[0]), parse(vals[1]), nil
}
