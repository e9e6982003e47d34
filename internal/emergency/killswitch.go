// Package emergency implements the process-wide kill switch: a store-backed
// flag that short-circuits all session processing, plus a sweep that
// force-terminates every tracked call leg.
package emergency

import (
	"context"
	"errors"
	"fmt"

	"callbroker/internal/telephony"
	"callbroker/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// shutdownKey deliberately carries no TTL: the switch stays engaged across
// restarts until an operator clears it.
const shutdownKey = "emergency:shutdown"

// Flag is the shared on/off state. Store-backed so every replica of the
// process observes the same answer.
type Flag interface {
	Engage(ctx context.Context) error
	Release(ctx context.Context) error
	Engaged(ctx context.Context) (bool, error)
}

type RedisFlag struct {
	rdb *redis.Client
}

func NewRedisFlag(rdb *redis.Client) *RedisFlag { return &RedisFlag{rdb: rdb} }

func (f *RedisFlag) Engage(ctx context.Context) error {
	return f.rdb.Set(ctx, shutdownKey, "1", 0).Err()
}

func (f *RedisFlag) Release(ctx context.Context) error {
	return f.rdb.Del(ctx, shutdownKey).Err()
}

func (f *RedisFlag) Engaged(ctx context.Context) (bool, error) {
	_, err := f.rdb.Get(ctx, shutdownKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("emergency: flag read failed: %w", err)
	}
	return true, nil
}

// LegLister enumerates live call legs across all sessions.
type LegLister interface {
	TrackedLegs(ctx context.Context) ([]string, error)
}

// KillSwitch couples the flag with the sweep.
type KillSwitch struct {
	flag Flag
	gw   telephony.Gateway
	legs LegLister
}

func NewKillSwitch(flag Flag, gw telephony.Gateway, legs LegLister) *KillSwitch {
	return &KillSwitch{flag: flag, gw: gw, legs: legs}
}

func (k *KillSwitch) Engage(ctx context.Context) error  { return k.flag.Engage(ctx) }
func (k *KillSwitch) Release(ctx context.Context) error { return k.flag.Release(ctx) }

func (k *KillSwitch) Engaged(ctx context.Context) (bool, error) {
	return k.flag.Engaged(ctx)
}

// Terminate force-completes a single leg. Used on the event path while the
// switch is engaged, bypassing arbitration entirely.
func (k *KillSwitch) Terminate(ctx context.Context, legRef string) error {
	return k.gw.CompleteCall(ctx, legRef)
}

// Sweep force-terminates every tracked leg. Per-leg failures are logged and
// the sweep continues; it catches legs that were already past the flag check
// when the switch was thrown.
func (k *KillSwitch) Sweep(ctx context.Context) (int, error) {
	log := logger.From(ctx)

	legs, err := k.legs.TrackedLegs(ctx)
	if err != nil {
		return 0, fmt.Errorf("emergency: enumerate legs: %w", err)
	}

	terminated := 0
	for _, leg := range legs {
		if err := k.gw.CompleteCall(ctx, leg); err != nil {
			log.Error("emergency sweep: hangup failed", "leg", leg, "err", err)
			continue
		}
		terminated++
	}
	log.Info("emergency sweep complete", "tracked", len(legs), "terminated", terminated)
	return terminated, nil
}
