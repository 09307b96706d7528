package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/interview-live/backend/internal/model/usage"
)

const usageHistoryLimit = 1000

var (
	consume = redis.NewScript(consumeScript)
	refund  = redis.NewScript(refundScript)
)

// Entry 一条额度变动明细。
type Entry struct {
	SessionID string     `json:"sessionId,omitempty"`
	Kind      usage.Kind `json:"type"`
	Amount    int64      `json:"amount"`
	Refund    bool       `json:"refund,omitempty"`
	At        time.Time  `json:"at"`
}

// RedisLedger keeps balances in a hash per user.
type RedisLedger struct {
	client *redis.Client
	now    func() time.Time
}

// OpenRedis dials addr and verifies the connection.
func OpenRedis(ctx context.Context, addr, password string, db int) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisLedger(client), nil
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client, now: time.Now}
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func creditKey(userID string) string { return "credit:" + userID }
func usageKey(userID string) string  { return "credit:usage:" + userID }

func (l *RedisLedger) Check(ctx context.Context, userID string) (usage.Balance, error) {
	vals, err := l.client.HMGet(ctx, creditKey(userID), "total", "used").Result()
	if err != nil {
		return usage.Balance{}, fmt.Errorf("credit check: %w", err)
	}
	total := parseInt(vals[0])
	used := parseInt(vals[1])
	remaining := total - used
	return usage.Balance{Sufficient: remaining > 0, Remaining: remaining}, nil
}

func (l *RedisLedger) Consume(ctx context.Context, unit usage.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	entry, err := l.entry(unit, false)
	if err != nil {
		return err
	}
	left, err := consume.Run(ctx, l.client, []string{creditKey(unit.UserID), usageKey(unit.UserID)},
		unit.Amount, entry, usageHistoryLimit).Int64()
	if err != nil {
		return fmt.Errorf("credit consume: %w", err)
	}
	if left < 0 {
		return ErrInsufficientCredit
	}
	return nil
}

func (l *RedisLedger) Refund(ctx context.Context, unit usage.Unit) error {
	if err := unit.Validate(); err != nil {
		return err
	}
	entry, err := l.entry(unit, true)
	if err != nil {
		return err
	}
	err = refund.Run(ctx, l.client, []string{creditKey(unit.UserID), usageKey(unit.UserID)},
		unit.Amount, entry, usageHistoryLimit).Err()
	if err != nil {
		return fmt.Errorf("credit refund: %w", err)
	}
	return nil
}

// Grant 增加用户总额度，返回新的总额度。
func (l *RedisLedger) Grant(ctx context.Context, userID string, amount int64) (int64, error) {
	if userID == "" || amount <= 0 {
		return 0, fmt.Errorf("%w: grant needs a user and a positive amount", usage.ErrInvalidUnit)
	}
	total, err := l.client.HIncrBy(ctx, creditKey(userID), "total", amount).Result()
	if err != nil {
		return 0, fmt.Errorf("credit grant: %w", err)
	}
	return total, nil
}

// History returns the most recent entries, newest first.
func (l *RedisLedger) History(ctx context.Context, userID string, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := l.client.LRange(ctx, usageKey(userID), 0, limit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("credit history: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err == nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (l *RedisLedger) entry(unit usage.Unit, isRefund bool) (string, error) {
	data, err := json.Marshal(Entry{
		SessionID: unit.SessionID,
		Kind:      unit.Kind,
		Amount:    unit.Amount,
		Refund:    isRefund,
		At:        l.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
