package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "presence:"

func Channel(collectionID string) string {
	return channelPrefix + collectionID
}

type envelope struct {
	Origin string `json:"origin"`
	Record Record `json:"record"`
}

// RedisRelay shares presence between processes over Redis pub/sub. Local
// changes are published on presence:<collection>; peers' records are applied
// to the tracker.
type RedisRelay struct {
	rdb     *redis.Client
	tracker *Tracker
	origin  string
	logger  *zap.Logger
	out     chan Record
}

func NewRedisRelay(rdb *redis.Client, tracker *Tracker, origin string, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &RedisRelay{
		rdb:     rdb,
		tracker: tracker,
		origin:  origin,
		logger:  logger,
		out:     make(chan Record, 256),
	}
	tracker.OnChange(r.enqueue)
	return r
}

func (r *RedisRelay) enqueue(rec Record) {
	select {
	case r.out <- rec:
	default:
		r.logger.Warn("presence: relay queue full, dropping update",
			zap.String("entity", rec.EntityID), zap.String("user", rec.UserID))
	}
}

// Run publishes local changes and applies remote ones until ctx is done.
// The subscription is re-established with exponential backoff.
func (r *RedisRelay) Run(ctx context.Context) error {
	go r.publishLoop(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return r.subscribe(ctx, b)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.logger.Warn("presence: relay subscription lost", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *RedisRelay) subscribe(ctx context.Context, b backoff.BackOff) error {
	sub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	b.Reset()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case msg, ok := <-ch:
			if !ok {
				return errors.New("presence: subscription channel closed")
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisRelay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn("presence: bad relay message", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	r.tracker.Apply(env.Record)
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.out:
			data, err := json.Marshal(envelope{Origin: r.origin, Record: rec})
			if err != nil {
				r.logger.Error("presence: encode relay message", zap.Error(err))
				continue
			}
			if err := r.rdb.Publish(ctx, Channel(rec.CollectionID), data).Err(); err != nil {
				r.logger.Warn("presence: relay publish", zap.String("collection", rec.CollectionID), zap.Error(err))
			}
		}
	}
}
