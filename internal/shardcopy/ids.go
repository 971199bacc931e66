package shardcopy

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ShardID names one target database.
type ShardID int

// ShardletID is a hashed sub-partition of a shard.
type ShardletID int16

// TransactionID is a shard-local transaction number handed out by
// BeginTransaction.
type TransactionID int64

// ResourceKey locates one resource. The source coordinates (SurrogateID)
// are replaced on the target by (TransactionID, ShardletID, Sequence).
type ResourceKey struct {
	ResourceTypeID int16
	ResourceID     string
	SurrogateID    int64
	TransactionID  TransactionID
	ShardletID     ShardletID
	Sequence       int16
}

// ShardletFor hashes a resource into one of count shardlets.
func ShardletFor(resourceTypeID int16, resourceID string, count int) ShardletID {
	if count <= 1 {
		return 0
	}
	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(int(resourceTypeID)))
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(resourceID)
	return ShardletID(h.Sum64() % uint64(count))
}

// ShardMap assigns shardlets to shards round robin over the sorted shard
// ids, so every process configured with the same shards routes alike.
type ShardMap struct {
	shards        []ShardID
	shardletCount int
}

func NewShardMap(shards []ShardID, shardletCount int) (*ShardMap, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("shard map needs at least one shard")
	}
	if shardletCount < len(shards) {
		return nil, fmt.Errorf("shardlet count %d is smaller than the %d shards", shardletCount, len(shards))
	}
	sorted := append([]ShardID(nil), shards...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			return nil, fmt.Errorf("shard %d listed twice", sorted[i])
		}
	}
	return &ShardMap{shards: sorted, shardletCount: shardletCount}, nil
}

func (m *ShardMap) Shards() []ShardID { return append([]ShardID(nil), m.shards...) }

func (m *ShardMap) ShardletCount() int { return m.shardletCount }

// ShardFor returns the shard owning shardlet s.
func (m *ShardMap) ShardFor(s ShardletID) ShardID {
	return m.shards[int(s)%len(m.shards)]
}

// Route returns the shardlet and shard of a resource.
func (m *ShardMap) Route(resourceTypeID int16, resourceID string) (ShardletID, ShardID) {
	s := ShardletFor(resourceTypeID, resourceID, m.shardletCount)
	return s, m.ShardFor(s)
}
