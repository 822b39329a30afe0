package workflow

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/config"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const (
	SweepLockKey        = "lock:recruitment-history-sweep"
	defaultSweepLockTTL = 10 * time.Minute
)

// ErrSweepInProgress means another instance is sweeping right now.
var ErrSweepInProgress = errors.New("history sweep already running")

// SweepLocker provides cross-instance single-flight for sweeps.
type SweepLocker interface {
	Obtain(ctx context.Context) (release func(), err error)
}

// RedisSweepLock holds a redislock key for the duration of a sweep and
// refreshes it while the sweep is still running.
type RedisSweepLock struct {
	Client *redislock.Client
	Key    string
	TTL    time.Duration
	Logger *logrus.Logger
}

// NewRedisSweepLock falls back to a ten minute ttl when ttl is not positive.
func NewRedisSweepLock(client *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisSweepLock {
	if ttl <= 0 {
		ttl = defaultSweepLockTTL
	}
	return &RedisSweepLock{Client: client, Key: SweepLockKey, TTL: ttl, Logger: logger}
}

func (l *RedisSweepLock) Obtain(ctx context.Context) (func(), error) {
	if l.Client == nil {
		return nil, errors.New("redis lock client is not connected")
	}
	lock, err := l.Client.Obtain(ctx, l.Key, l.TTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrSweepInProgress
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(l.TTL / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := lock.Refresh(context.Background(), l.TTL, nil); err != nil {
					config.LogError(l.Logger, "sweepLock.go", "Obtain", "refreshing sweep lock", l.Key, err)
					return
				}
			}
		}
	}()

	return func() {
		close(stop)
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			config.LogError(l.Logger, "sweepLock.go", "release", "releasing sweep lock", l.Key, err)
		}
	}, nil
}
