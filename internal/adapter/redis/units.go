package redis

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const unitTTL = 7 * 24 * time.Hour

// UnitStore keeps one set of outstanding work units per asset. Set semantics
// make both registration and completion idempotent under redelivery.
type UnitStore struct {
	rdb goredis.Cmdable
}

func NewUnitStore(rdb goredis.Cmdable) *UnitStore {
	return &UnitStore{rdb: rdb}
}

func unitKey(assetID string) string {
	return "smara:asset:" + assetID + ":pending"
}

func (s *UnitStore) Add(ctx context.Context, assetID string, units ...string) error {
	if len(units) == 0 {
		return nil
	}
	members := make([]any, len(units))
	for i, u := range units {
		members[i] = u
	}
	key := unitKey(assetID)
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SAdd(ctx, key, members...)
		p.Expire(ctx, key, unitTTL)
		return nil
	})
	return err
}

// Remove drops one unit and returns how many are still outstanding.
func (s *UnitStore) Remove(ctx context.Context, assetID, unit string) (int64, error) {
	key := unitKey(assetID)
	var card *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.SRem(ctx, key, unit)
		card = p.SCard(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// Outstanding lists the units still pending for an asset.
func (s *UnitStore) Outstanding(ctx context.Context, assetID string) ([]string, error) {
	return s.rdb.SMembers(ctx, unitKey(assetID)).Result()
}
