package ring

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Build rebuilds the continuum from nodes. With autoEject set, nodes whose
// EligibleAt is after now are skipped, and live nodes have EligibleAt
// cleared. The point index stored for a node is its position in nodes, so
// the caller must keep that order for as long as it dispatches on this build.
//
// Build returns ErrNoLiveNodes, leaving the points untouched, when no node is
// live or when the live nodes' weights round to zero points. On
// ErrOutOfMemory the previous continuum is left fully intact.
func (r *Ring) Build(nodes []*Node, now time.Time, autoEject bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		live        int
		total       int
		nextRebuild time.Time
	)
	for _, n := range nodes {
		if autoEject {
			if n.EligibleAt.After(now) {
				if nextRebuild.IsZero() || n.EligibleAt.Before(nextRebuild) {
					nextRebuild = n.EligibleAt
				}
				continue
			}
			n.EligibleAt = time.Time{}
		}
		live++
		total += r.pointCount(n.Weight)
	}

	if live == 0 {
		r.live = 0
		r.nextRebuild = nextRebuild
		return ErrNoLiveNodes
	}

	if r.strategy == ProportionalDecay {
		total = live
	}
	if total == 0 {
		r.live = 0
		r.nextRebuild = nextRebuild
		return fmt.Errorf("%w: %d live nodes place no points", ErrNoLiveNodes, live)
	}
	if err := r.grow(live, total); err != nil {
		return err
	}

	switch r.strategy {
	case MultiPoint:
		r.buildMultiPoint(nodes, now, autoEject)
	case ProportionalDecay:
		r.buildProportional(nodes, now, autoEject)
	}
	r.live = live
	r.nextRebuild = nextRebuild
	return nil
}

// pointCount is round(points*weight/100) for MultiPoint rings.
func (r *Ring) pointCount(weight uint32) int {
	return int(float64(uint64(r.pointsPerWeight)*uint64(weight))/100.0 + 0.5)
}

// grow reallocates the continuum the first time, every time the live node
// count passes its previous high, and whenever the point total would not
// fit. Capacity never shrinks.
func (r *Ring) grow(live, total int) error {
	if live <= r.liveHighWater && total <= len(r.points) {
		return nil
	}
	if total > r.maxPoints {
		return fmt.Errorf("%w: continuum of %d points exceeds limit %d", ErrOutOfMemory, total, r.maxPoints)
	}
	if total > len(r.points) {
		r.points = make([]Point, total)
	}
	if live > r.liveHighWater {
		r.liveHighWater = live
	}
	return nil
}

func eligible(n *Node, now time.Time, autoEject bool) bool {
	return !autoEject || !n.EligibleAt.After(now)
}

func (r *Ring) buildMultiPoint(nodes []*Node, now time.Time, autoEject bool) {
	var buf [4]byte
	active := 0

	for idx, n := range nodes {
		if !eligible(n, now, autoEject) {
			continue
		}

		seed := r.hash.Sum(r.seedBytes(n.Addr))
		count := r.pointCount(n.Weight)

		var position uint32
		for i := 0; i < count; i++ {
			binary.LittleEndian.PutUint32(buf[:], position)
			position = r.hash.Add(seed, buf[:])
			r.insert(active, Point{Position: position, Index: uint32(idx)})
			active++
		}
	}
	r.active = active
	r.totalWeight = 0
}

// insert places p into the sorted prefix points[:active], after any points
// already holding the same position.
func (r *Ring) insert(active int, p Point) {
	if active == 0 {
		r.points[0] = p
		return
	}

	sorted := r.points[:active]
	i := Search(sorted, p.Position)
	if i == 0 && p.Position > sorted[0].Position {
		r.points[active] = p
		return
	}
	for i != active && r.points[i].Position == p.Position {
		i++
	}
	copy(r.points[i+1:active+1], r.points[i:active])
	r.points[i] = p
}

func (r *Ring) buildProportional(nodes []*Node, now time.Time, autoEject bool) {
	var total uint32
	active := 0

	for idx, n := range nodes {
		if !eligible(n, now, autoEject) {
			continue
		}

		weight := uint32(float64(n.Weight)/100.0 + 0.5)
		total += weight
		var scale float64
		if total > 0 {
			scale = float64(weight) / float64(total)
		}

		for i := 0; i < active; i++ {
			pos := float64(r.points[i].Position)
			r.points[i].Position = uint32(pos - pos*scale)
		}
		r.points[active] = Point{Position: MaxPoint, Index: uint32(idx)}
		active++
	}
	r.active = active
	r.totalWeight = total
}
