package clips

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// WorkerPool consumes submitted clips from a redis stream and processes
// them through the dispatcher. Consumer-group semantics keep each clip on a
// single worker across the fleet.
type WorkerPool struct {
	Redis      *redis.Client
	Dispatcher *Dispatcher
	NumWorkers int

	Logger *logrus.Logger

	Stream         string
	Group          string
	ConsumerPrefix string
}

func (p *WorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.Dispatcher == nil {
		return errors.New("WorkerPool missing dependency: Redis and Dispatcher must be set")
	}
	if p.Stream == "" {
		p.Stream = "clips:stream"
	}
	if p.Group == "" {
		p.Group = "clip-workers"
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "c"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 4
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "0").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	return nil
}

// Enqueue schedules a submitted clip for processing.
func (p *WorkerPool) Enqueue(ctx context.Context, clip Clip) error {
	return p.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream,
		Values: map[string]any{
			"clip_id":      clip.ID,
			"storage_path": clip.StoragePath,
		},
	}).Err()
}

func (p *WorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				p.handleMsg(ctx, msg)
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

func (p *WorkerPool) handleMsg(ctx context.Context, msg redis.XMessage) {
	getStr := func(k string) string {
		v, ok := msg.Values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	clipID := getStr("clip_id")
	storagePath := getStr("storage_path")
	if clipID == "" || storagePath == "" {
		p.Logger.WithField("redis_id", msg.ID).Warn("malformed clip message")
		return
	}
	p.Dispatcher.Process(ctx, clipID, storagePath)
}
