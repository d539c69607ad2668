package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

const DefaultKeyPrefix = "layersync:lock:"

// releaseScript deletes the key only when it still holds our token, so an expired lock
// taken over by another process is left alone.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendScript resets the expiry (ARGV[2], milliseconds) of a key that still holds our token.
var extendScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Valkey is a Locker shared by all processes using the same Valkey server. A held lock is
// extended every ttl/3 until it is released; when the process dies the lock expires after ttl.
type Valkey struct {
	client valkey.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewValkey(addr string, ttl time.Duration) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return NewValkeyWithClient(client, ttl), nil
}

func NewValkeyWithClient(client valkey.Client, ttl time.Duration) *Valkey {
	return &Valkey{client: client, ttl: ttl, prefix: DefaultKeyPrefix, logger: slog.Default()}
}

func (v *Valkey) WithLogger(logger *slog.Logger) *Valkey {
	v.logger = logger
	return v
}

func (v *Valkey) Acquire(ctx context.Context, key string) (Release, error) {
	k := v.prefix + key
	token := uuid.NewString()
	err := v.client.Do(ctx, v.client.B().Set().Key(k).Value(token).Nx().Ex(v.ttl).Build()).Error()
	if valkey.IsValkeyNil(err) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("valkey lock %s: %w", k, err)
	}

	extend := func(ctx context.Context) (bool, error) {
		n, err := extendScript.Exec(ctx, v.client, []string{k},
			[]string{token, strconv.FormatInt(v.ttl.Milliseconds(), 10)}).AsInt64()
		return n == 1, err
	}
	renewCtx, stopRenewing := context.WithCancel(context.WithoutCancel(ctx))
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		keepAlive(renewCtx, v.ttl/3, extend, v.logger.With("lock", k))
	}()

	return func(ctx context.Context) error {
		stopRenewing()
		<-renewed
		err := releaseScript.Exec(ctx, v.client, []string{k}, []string{token}).Error()
		if err != nil {
			return fmt.Errorf("valkey unlock %s: %w", k, err)
		}
		return nil
	}, nil
}

// keepAlive calls extend every interval until ctx is done or extend reports the lock is no
// longer ours. Errors are retried on the next tick, the lock may still expire meanwhile.
func keepAlive(ctx context.Context, interval time.Duration, extend func(context.Context) (bool, error), logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		held, err := extend(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Warn("extending lock failed", "error", err)
		case !held:
			logger.Error("lock lost, another process may run the same dataset")
			return
		}
	}
}

func (v *Valkey) Close() {
	v.client.Close()
}
