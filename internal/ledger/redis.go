package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig describes key layout and secondary indexes for the Redis ledger.
type RedisConfig struct {
	// Prefix namespaces every key, default "ledger".
	Prefix string
	// Indexes lists, per collection, the fields kept in secondary index sets.
	// Queries on other fields fall back to a collection scan.
	Indexes map[string][]string
}

// Redis keeps each record in a hash, tracks collection membership and
// indexed fields in sets, and announces changes over pub/sub so live views
// work across processes.
type Redis struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger *zerolog.Logger
}

// NewRedis builds a ledger on top of an existing client. The caller keeps
// ownership of the client.
func NewRedis(rdb *redis.Client, cfg RedisConfig, logger *zerolog.Logger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "ledger"
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Redis{rdb: rdb, cfg: cfg, logger: logger}
}

func (r *Redis) recordKey(collection, id string) string {
	return fmt.Sprintf("%s:%s:rec:%s", r.cfg.Prefix, collection, id)
}

func (r *Redis) idsKey(collection string) string {
	return fmt.Sprintf("%s:%s:ids", r.cfg.Prefix, collection)
}

func (r *Redis) indexKey(collection, field, value string) string {
	return fmt.Sprintf("%s:%s:idx:%s:%s", r.cfg.Prefix, collection, field, value)
}

func (r *Redis) channel(collection string) string {
	return fmt.Sprintf("%s:%s:changes", r.cfg.Prefix, collection)
}

func (r *Redis) indexed(collection, field string) bool {
	for _, f := range r.cfg.Indexes[collection] {
		if f == field {
			return true
		}
	}
	return false
}

func (r *Redis) NewID() string { return newID() }

func (r *Redis) Put(ctx context.Context, collection, id string, rec Record) error {
	key := r.recordKey(collection, id)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		old, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(rec) > 0 {
				values := make([]interface{}, 0, len(rec)*2)
				for f, v := range rec {
					values = append(values, f, v)
				}
				pipe.HSet(ctx, key, values...)
			}
			pipe.SAdd(ctx, r.idsKey(collection), id)
			for _, field := range r.cfg.Indexes[collection] {
				if v, ok := old[field]; ok {
					pipe.SRem(ctx, r.indexKey(collection, field, v), id)
				}
				if v, ok := rec[field]; ok {
					pipe.SAdd(ctx, r.indexKey(collection, field, v), id)
				}
			}
			pipe.Publish(ctx, r.channel(collection), id)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, collection, id string) (Record, error) {
	fields, err := r.rdb.HGetAll(ctx, r.recordKey(collection, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return Record(fields), nil
}

func (r *Redis) Set(ctx context.Context, collection, id, field, value string) error {
	key := r.recordKey(collection, id)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		old, err := tx.HGet(ctx, key, field).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		hadOld := err == nil

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, value)
			if r.indexed(collection, field) {
				if hadOld {
					pipe.SRem(ctx, r.indexKey(collection, field, old), id)
				}
				pipe.SAdd(ctx, r.indexKey(collection, field, value), id)
			}
			pipe.Publish(ctx, r.channel(collection), id)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("set %s/%s.%s: %w", collection, id, field, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, collection, id string) error {
	key := r.recordKey(collection, id)
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		old, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(old) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, r.idsKey(collection), id)
			for _, field := range r.cfg.Indexes[collection] {
				if v, ok := old[field]; ok {
					pipe.SRem(ctx, r.indexKey(collection, field, v), id)
				}
			}
			pipe.Publish(ctx, r.channel(collection), id)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (r *Redis) QueryEqual(ctx context.Context, collection, field, value string) ([]Document, error) {
	setKey := r.idsKey(collection)
	if field != "" && r.indexed(collection, field) {
		setKey = r.indexKey(collection, field, value)
	}

	ids, err := r.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s where %s: %w", collection, field, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.recordKey(collection, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}

	filter := Filter{Field: field, Value: value}
	docs := make([]Document, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		// Deleted between SMEMBERS and HGETALL, or index not yet consistent.
		if len(fields) == 0 || !filter.Match(fields) {
			continue
		}
		docs = append(docs, Document{ID: ids[i], Fields: Record(fields)})
	}
	sortDocuments(docs)
	return docs, nil
}

func (r *Redis) Subscribe(ctx context.Context, collection string, filter Filter) (*Subscription, error) {
	ps := r.rdb.Subscribe(ctx, r.channel(collection))
	// Wait for the subscription to be confirmed so no change between now and
	// the first snapshot is lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}
	messages := ps.Channel()

	sub := newSubscription(ctx, queryFunc(r, collection, filter), func() {
		if err := ps.Close(); err != nil {
			r.logger.Debug().Err(err).Str("collection", collection).Msg("close pubsub")
		}
	})

	go func() {
		for {
			select {
			case <-sub.Done():
				return
			case _, ok := <-messages:
				if !ok {
					sub.fail(errors.New("redis pubsub channel closed"))
					return
				}
				sub.notify()
			}
		}
	}()

	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close is a no-op; the client belongs to the caller.
func (r *Redis) Close() error {
	return nil
}
