package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/pulsegate/pulsegate/internal/core/observability/log"
)

const subscribeBuffer = 256

// Options configures the Redis-backed store.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "localhost:6379"
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 32
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	return o
}

// Redis implements Store on a single go-redis client. Scripts are cached
// so repeated Eval calls ride EVALSHA after the first round trip.
type Redis struct {
	client *redis.Client
	logger log.Log

	mu      sync.Mutex
	scripts map[string]*redis.Script
}

var _ Store = (*Redis)(nil)

// NewRedis connects and verifies the instance is reachable.
func NewRedis(ctx context.Context, opts Options, logger log.Log) (*Redis, error) {
	opts = opts.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "store: redis unreachable at %s", opts.Addr)
	}

	logger.Info("redis store connected", log.String("addr", opts.Addr), log.Int("db", opts.DB))
	return &Redis{
		client:  client,
		logger:  logger.Named("store"),
		scripts: make(map[string]*redis.Script),
	}, nil
}

func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	r.mu.Lock()
	compiled, ok := r.scripts[script]
	if !ok {
		compiled = redis.NewScript(script)
		r.scripts[script] = compiled
	}
	r.mu.Unlock()

	res, err := compiled.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "store: eval")
	}
	return res, nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "store: scard %s", key)
	}
	return n, nil
}

func (r *Redis) SAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "store: sadd %s", key)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key, member string) error {
	if err := r.client.SRem(ctx, key, member).Err(); err != nil {
		return errors.Wrapf(err, "store: srem %s", key)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.Wrapf(err, "store: publish %s", channel)
	}
	return nil
}

// Subscribe pumps messages into a buffered channel. A slow consumer drops
// the newest payload rather than stalling the pump.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrapf(err, "store: subscribe %s", channel)
	}

	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					r.logger.Warn("subscriber backlog full, payload dropped",
						log.String("channel", channel))
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "store: ping")
	}
	return nil
}

func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return errors.Wrap(err, "store: close")
	}
	return nil
}
