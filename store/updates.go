package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/Lekssays/flpoison/wire"
	redis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// UpdateRegistry keeps the wire encoding of every client update in redis
// under <session>!MU!<round>!<client> and indexes the clients of a round in
// the set <session>!MU!<round>.
type UpdateRegistry struct {
	rdb *redis.Client
}

func NewUpdateRegistry(addr string) *UpdateRegistry {
	return NewUpdateRegistryWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	}))
}

func NewUpdateRegistryWithClient(rdb *redis.Client) *UpdateRegistry {
	return &UpdateRegistry{rdb: rdb}
}

// Client exposes the underlying connection so other components can share it.
func (r *UpdateRegistry) Client() *redis.Client {
	return r.rdb
}

func indexKey(sessionID string, round int) string {
	return fmt.Sprintf("%s!MU!%d", sessionID, round)
}

func updateKey(sessionID string, round int, clientID string) string {
	return fmt.Sprintf("%s!MU!%d!%s", sessionID, round, clientID)
}

func (r *UpdateRegistry) SaveUpdate(ctx context.Context, record *wire.UpdateRecord) error {
	key := updateKey(record.SessionID, record.Round, record.ClientID)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, wire.Marshal(record), 0)
		pipe.SAdd(ctx, indexKey(record.SessionID, record.Round), record.ClientID)
		return nil
	})
	return errors.Wrapf(err, "save update %s", key)
}

func (r *UpdateRegistry) Update(ctx context.Context, sessionID string, round int, clientID string) (*wire.UpdateRecord, error) {
	data, err := r.rdb.Get(ctx, updateKey(sessionID, round, clientID)).Bytes()
	if err != nil {
		return nil, err
	}
	return wire.Unmarshal(data)
}

// Updates returns the updates of a round sorted by client ID.
func (r *UpdateRegistry) Updates(ctx context.Context, sessionID string, round int) ([]*wire.UpdateRecord, error) {
	clients, err := r.rdb.SMembers(ctx, indexKey(sessionID, round)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(clients)

	records := make([]*wire.UpdateRecord, 0, len(clients))
	for _, clientID := range clients {
		record, err := r.Update(ctx, sessionID, round, clientID)
		if err != nil {
			return nil, errors.Wrapf(err, "update of %s", clientID)
		}
		records = append(records, record)
	}
	return records, nil
}

// DiscardRound deletes every update of a round together with its index.
func (r *UpdateRegistry) DiscardRound(ctx context.Context, sessionID string, round int) error {
	index := indexKey(sessionID, round)
	clients, err := r.rdb.SMembers(ctx, index).Result()
	if err != nil {
		return errors.Wrapf(err, "discard %s", index)
	}
	keys := []string{index}
	for _, clientID := range clients {
		keys = append(keys, updateKey(sessionID, round, clientID))
	}
	return errors.Wrapf(r.rdb.Del(ctx, keys...).Err(), "discard %s", index)
}

func (r *UpdateRegistry) Close() error {
	return r.rdb.Close()
}
