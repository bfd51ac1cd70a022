package ring

import (
	"errors"
	"math"
	"sync"
	"time"

	"continuum/internal/hashkit"
)

// MaxPoint is the top of the 32-bit hash space.
const MaxPoint = math.MaxUint32

// DefaultMaxPoints bounds how far the continuum may grow.
const DefaultMaxPoints = 1 << 24

var (
	// ErrNoLiveNodes reports a build pass that found no live node. The prior
	// continuum is left in place; it is a state, not a failure.
	ErrNoLiveNodes = errors.New("ring: no live nodes")
	// ErrOutOfMemory reports that the continuum could not grow.
	ErrOutOfMemory = errors.New("ring: out of memory")
)

// Node is a backend as seen by the ring builder.
type Node struct {
	Name   string
	Addr   string // host:port
	Weight uint32
	// EligibleAt is when a dead node may be used again. The zero value means
	// always eligible.
	EligibleAt time.Time
}

// Point is one entry of the continuum. Index is the node's position in the
// slice passed to Build.
type Point struct {
	Position uint32
	Index    uint32
}

// Strategy selects how nodes are placed on the continuum.
type Strategy int

const (
	// MultiPoint places round(points*weight/100) hashed points per node.
	MultiPoint Strategy = iota
	// ProportionalDecay places one point per node at its cumulative weight
	// boundary.
	ProportionalDecay
)

// String returns the string representation of Strategy.
func (s Strategy) String() string {
	switch s {
	case MultiPoint:
		return "multi_point"
	case ProportionalDecay:
		return "proportional_decay"
	default:
		return "unknown"
	}
}

// Config holds the ring construction parameters.
type Config struct {
	// PointsPerWeight is the number of points for a node of weight 100.
	// Zero selects ProportionalDecay.
	PointsPerWeight uint32
	// Hash places points. Defaults to hashkit.CRC32a.
	Hash hashkit.Incremental
	// MaxPoints caps the continuum capacity. Defaults to DefaultMaxPoints.
	MaxPoints int
}

// Ring is the continuum. Build mutates it in place under the write lock;
// dispatch runs under the read lock and never allocates.
type Ring struct {
	mu sync.RWMutex

	strategy        Strategy
	pointsPerWeight uint32
	hash            hashkit.Incremental
	maxPoints       int

	points        []Point // len(points) is the capacity
	active        int
	liveHighWater int
	live          int
	totalWeight   uint32
	nextRebuild   time.Time

	seed []byte // host ++ NUL ++ port digits, reused across nodes
}

// New creates an empty ring.
func New(cfg Config) *Ring {
	r := &Ring{
		strategy:        MultiPoint,
		pointsPerWeight: cfg.PointsPerWeight,
		hash:            cfg.Hash,
		maxPoints:       cfg.MaxPoints,
	}
	if cfg.PointsPerWeight == 0 {
		r.strategy = ProportionalDecay
	}
	if r.hash == nil {
		r.hash = hashkit.CRC32a
	}
	if r.maxPoints <= 0 {
		r.maxPoints = DefaultMaxPoints
	}
	return r
}

// Search returns the index of the leftmost point whose position is >= hash,
// walking back over exact ties. It returns 0 when every position is below
// hash, wrapping around the ring.
func Search(points []Point, hash uint32) int {
	left, right := 0, len(points)
	for left < right {
		mid := int(uint(left+right) >> 1)
		switch p := points[mid].Position; {
		case p < hash:
			left = mid + 1
		case p > hash:
			right = mid
		default:
			for mid > 0 && points[mid-1].Position == hash {
				mid--
			}
			return mid
		}
	}
	if right == len(points) {
		return 0
	}
	return right
}

// Dispatch returns the index of the node owning hash.
// It panics if the ring has never been built with a live node.
func (r *Ring) Dispatch(hash uint32) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dispatch(hash)
}

func (r *Ring) dispatch(hash uint32) uint32 {
	if r.active == 0 {
		panic("ring: dispatch on empty continuum")
	}
	points := r.points[:r.active]
	return points[Search(points, hash)].Index
}

// DispatchByWeight maps the 15-bit slice of hash into the weight domain
// before dispatching. It is meant for ProportionalDecay rings, whose
// positions encode cumulative weight boundaries.
func (r *Ring) DispatchByWeight(hash uint32) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.totalWeight == 0 {
		return r.dispatch(hash)
	}
	point := ((hash >> 16) & 0x7fff) % r.totalWeight
	point = uint32(float64(point)/float64(r.totalWeight)*MaxPoint+0.5) + 1
	return r.dispatch(point)
}

// NextRebuildAt returns the earliest time a currently dead node becomes
// eligible, or the zero time when no node is dead.
func (r *Ring) NextRebuildAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextRebuild
}

// Len returns the number of active points.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Cap returns the allocated continuum size.
func (r *Ring) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.points)
}

// LiveCount returns the number of live nodes seen by the last build.
func (r *Ring) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// TotalWeight returns the summed rounded weight of live nodes. Only set by
// ProportionalDecay builds.
func (r *Ring) TotalWeight() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalWeight
}

// Strategy returns the placement strategy chosen at construction.
func (r *Ring) Strategy() Strategy {
	return r.strategy
}

// Points returns a copy of the active points.
func (r *Ring) Points() []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Point(nil), r.points[:r.active]...)
}
