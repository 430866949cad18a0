package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"polytrigger/internal/model"
)

// ErrCorrupt wraps persistence failures that leave stored state
// untrustworthy. The scheduler treats it as fatal.
var ErrCorrupt = errors.New("store: state corrupt")

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a Store backed by a Redis instance. Entities are JSON values at
// individual keys with per-type index sets; guarded mutations run inside
// WATCH transactions so a concurrent writer aborts rather than double-applies.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis connects and pings the instance before returning.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "polytrigger"
	}
	logger.Named("store").Info("connected to redis", zap.String("addr", cfg.Addr), zap.String("prefix", prefix))
	return &Redis{client: client, prefix: prefix, logger: logger.Named("store")}, nil
}

func (r *Redis) setJSON(ctx context.Context, key, idx string, member string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	if idx != "" {
		pipe.SAdd(ctx, idx, member)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func (r *Redis) getJSON(ctx context.Context, key string, dest any) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func (r *Redis) deleteEntity(ctx context.Context, key, idx, member string) error {
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrCorrupt, key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if idx != "" {
		if err := r.client.SRem(ctx, idx, member).Err(); err != nil {
			return fmt.Errorf("%w: unindex %s: %v", ErrCorrupt, key, err)
		}
	}
	return nil
}

func listJSON[T any](ctx context.Context, r *Redis, idx string, keyFn func(string) string) ([]T, error) {
	ids, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", idx, err)
	}
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		var v T
		err := r.getJSON(ctx, keyFn(id), &v)
		if errors.Is(err, ErrNotFound) {
			// index entry outlived its value; self-heal
			r.client.SRem(ctx, idx, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Redis) SaveSubscription(ctx context.Context, sub model.MarketSubscription) error {
	return r.setJSON(ctx, r.keySub(sub.ID), r.idxSubs(), sub.ID, sub)
}

func (r *Redis) DeleteSubscription(ctx context.Context, id string) error {
	return r.deleteEntity(ctx, r.keySub(id), r.idxSubs(), id)
}

func (r *Redis) ListSubscriptions(ctx context.Context) ([]model.MarketSubscription, error) {
	subs, err := listJSON[model.MarketSubscription](ctx, r, r.idxSubs(), r.keySub)
	if err != nil {
		return nil, err
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].AddedAt.Before(subs[j].AddedAt) })
	return subs, nil
}

func (r *Redis) SavePriceAlert(ctx context.Context, rule model.PriceAlertRule) error {
	return r.setJSON(ctx, r.keyAlert(rule.ID), r.idxAlerts(), rule.ID, rule)
}

func (r *Redis) DeletePriceAlert(ctx context.Context, id string) error {
	return r.deleteEntity(ctx, r.keyAlert(id), r.idxAlerts(), id)
}

func (r *Redis) ListPriceAlerts(ctx context.Context) ([]model.PriceAlertRule, error) {
	return listJSON[model.PriceAlertRule](ctx, r, r.idxAlerts(), r.keyAlert)
}

func (r *Redis) RearmPriceAlert(ctx context.Context, id string, firedPrice float64, firedAt time.Time) error {
	key := r.keyAlert(id)
	update := func(tx *redis.Tx) error {
		var rule model.PriceAlertRule
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &rule); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrCorrupt, key, err)
		}
		rule.LastAlertedPrice = firedPrice
		rule.LastFiredAt = firedAt
		next, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}
	if err := r.watchRetry(ctx, update, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: rearm alert %s: %v", ErrCorrupt, id, err)
	}
	return nil
}

func (r *Redis) SaveAutoTrade(ctx context.Context, rule model.AutoTradeRule) error {
	return r.setJSON(ctx, r.keyAuto(rule.ID), r.idxAutos(), rule.ID, rule)
}

func (r *Redis) DeleteAutoTrade(ctx context.Context, id string) error {
	return r.deleteEntity(ctx, r.keyAuto(id), r.idxAutos(), id)
}

func (r *Redis) ListAutoTrades(ctx context.Context) ([]model.AutoTradeRule, error) {
	return listJSON[model.AutoTradeRule](ctx, r, r.idxAutos(), r.keyAuto)
}

func (r *Redis) MarkAutoTradeFired(ctx context.Context, id string) (bool, error) {
	key := r.keyAuto(id)
	applied := false
	update := func(tx *redis.Tx) error {
		var rule model.AutoTradeRule
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &rule); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrCorrupt, key, err)
		}
		if rule.Fired {
			applied = false
			return nil
		}
		rule.Fired = true
		next, err := json.Marshal(rule)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	if err := r.watchRetry(ctx, update, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("%w: mark fired %s: %v", ErrCorrupt, id, err)
	}
	return applied, nil
}

func (r *Redis) SavePMConfig(ctx context.Context, cfg model.PMConfig) error {
	return r.setJSON(ctx, r.keyPM(cfg.ID), r.idxPMs(), cfg.ID, cfg)
}

func (r *Redis) GetPMConfig(ctx context.Context, id string) (model.PMConfig, error) {
	var cfg model.PMConfig
	err := r.getJSON(ctx, r.keyPM(id), &cfg)
	return cfg, err
}

func (r *Redis) DeletePMConfig(ctx context.Context, id string) error {
	return r.deleteEntity(ctx, r.keyPM(id), r.idxPMs(), id)
}

func (r *Redis) ListPMConfigs(ctx context.Context) ([]model.PMConfig, error) {
	return listJSON[model.PMConfig](ctx, r, r.idxPMs(), r.keyPM)
}

func (r *Redis) DisablePMConfig(ctx context.Context, id string) (bool, error) {
	key := r.keyPM(id)
	applied := false
	update := func(tx *redis.Tx) error {
		var cfg model.PMConfig
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrCorrupt, key, err)
		}
		if !cfg.Enabled {
			applied = false
			return nil
		}
		cfg.Enabled = false
		next, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	if err := r.watchRetry(ctx, update, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("%w: disable pm config %s: %v", ErrCorrupt, id, err)
	}
	return applied, nil
}

func (r *Redis) SaveCopyTrader(ctx context.Context, cfg model.CopyTraderConfig) error {
	return r.setJSON(ctx, r.keyCopy(cfg.ID), r.idxCopiers(), cfg.ID, cfg)
}

func (r *Redis) GetCopyTrader(ctx context.Context, id string) (model.CopyTraderConfig, error) {
	var cfg model.CopyTraderConfig
	err := r.getJSON(ctx, r.keyCopy(id), &cfg)
	return cfg, err
}

func (r *Redis) DeleteCopyTrader(ctx context.Context, id string) error {
	return r.deleteEntity(ctx, r.keyCopy(id), r.idxCopiers(), id)
}

func (r *Redis) ListCopyTraders(ctx context.Context) ([]model.CopyTraderConfig, error) {
	return listJSON[model.CopyTraderConfig](ctx, r, r.idxCopiers(), r.keyCopy)
}

func (r *Redis) AdvanceCopyCursor(ctx context.Context, id string, ts int64) (bool, error) {
	key := r.keyCopy(id)
	applied := false
	update := func(tx *redis.Tx) error {
		var cfg model.CopyTraderConfig
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrCorrupt, key, err)
		}
		if ts <= cfg.LastCheckCursor {
			applied = false
			return nil
		}
		cfg.LastCheckCursor = ts
		next, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	if err := r.watchRetry(ctx, update, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("%w: advance cursor %s: %v", ErrCorrupt, id, err)
	}
	return applied, nil
}

func (r *Redis) RecordDetectedTrade(ctx context.Context, trade model.DetectedTrade) (bool, error) {
	data, err := json.Marshal(trade)
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, r.keyDetected(trade.SourceTradeID), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("%w: record detected %s: %v", ErrCorrupt, trade.SourceTradeID, err)
	}
	if ok {
		if err := r.client.SAdd(ctx, r.idxDetected(), trade.SourceTradeID).Err(); err != nil {
			return true, fmt.Errorf("%w: index detected %s: %v", ErrCorrupt, trade.SourceTradeID, err)
		}
	}
	return ok, nil
}

func (r *Redis) RecordExecutedTrade(ctx context.Context, trade model.ExecutedTrade) error {
	if err := r.setJSON(ctx, r.keyExecuted(trade.SourceTradeID), "", "", trade); err != nil {
		return err
	}
	// flip the detection row's replicated flag; best-effort, the executed key
	// is the source of truth for dedup
	var det model.DetectedTrade
	if err := r.getJSON(ctx, r.keyDetected(trade.SourceTradeID), &det); err == nil {
		det.Replicated = true
		if err := r.setJSON(ctx, r.keyDetected(trade.SourceTradeID), "", "", det); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) HasExecutedTrade(ctx context.Context, sourceTradeID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.keyExecuted(sourceTradeID)).Result()
	if err != nil {
		return false, fmt.Errorf("check executed %s: %w", sourceTradeID, err)
	}
	return n > 0, nil
}

func (r *Redis) ListDetectedTrades(ctx context.Context, configID string) ([]model.DetectedTrade, error) {
	all, err := listJSON[model.DetectedTrade](ctx, r, r.idxDetected(), r.keyDetected)
	if err != nil {
		return nil, err
	}
	out := all
	if configID != "" {
		out = all[:0]
		for _, t := range all {
			if t.ConfigID == configID {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (r *Redis) SaveTriggerState(ctx context.Context, state model.TriggerState) error {
	return r.setJSON(ctx, r.keyState(), "", "", state)
}

func (r *Redis) LoadTriggerState(ctx context.Context) (model.TriggerState, error) {
	var state model.TriggerState
	err := r.getJSON(ctx, r.keyState(), &state)
	if errors.Is(err, ErrNotFound) {
		return model.TriggerState{Status: model.StatusStopped}, nil
	}
	return state, err
}

func (r *Redis) Close() error { return r.client.Close() }

// watchRetry runs fn under WATCH, retrying on transaction conflicts.
func (r *Redis) watchRetry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	const maxRetries = 5
	var err error
	for i := 0; i < maxRetries; i++ {
		err = r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}
