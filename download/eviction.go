package download

import (
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/quadmap/featureflag"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/models"
)

const (
	// The smallest fraction of quads discarded once the object limit is
	// exceeded.
	minEvictionFraction = 0.3

	// Eviction stops once the object count is under this factor of the limit.
	evictionSlack = 1.3
)

// evictionFraction returns the fraction of quads to discard for count objects
// to fit under limit.
func evictionFraction(count, limit int) float64 {
	if limit <= 0 || count <= limit {
		return 0
	}
	return max(1-float64(limit)/float64(count), minEvictionFraction)
}

func (m *Manager) evict() {
	now := m.now()
	var discarded bool

	if m.maxAge > 0 && m.region.DiscardOlderThan(now.Add(-m.maxAge)) {
		discarded = true
	}

	count := m.spatial.Count()
	fraction := evictionFraction(count, m.objectLimit)
	oldest := now.Add(-m.evictionMinAge)
	for fraction > 0 {
		cutoff, ok := m.region.DiscardOldest(fraction, oldest)
		if !ok {
			break
		}
		discarded = true
		oldest = cutoff

		m.removeUncovered()
		if float64(m.spatial.Count()) < float64(m.objectLimit)*evictionSlack {
			break
		}
		fraction = minEvictionFraction
	}

	if !discarded {
		return
	}

	m.removeUncovered()
	evicted := count - m.spatial.Count()

	logs.WithTag("region", m.region.Name()).
		WithTag("object_count", m.spatial.Count()).
		WithTag("evicted_count", evicted).
		Info("old coverage discarded")

	m.publish(Event{
		Type:    EventDiscarded,
		BBox:    eventBBox(geometry.World),
		Objects: evicted,
	})

	m.featureFlags.IfSet(featureflag.FlagConsistencyChecks, func() {
		if err := m.spatial.ConsistencyCheck(m.objects.All()); err != nil {
			logs.Error(err)
		}
	})
}

// removeUncovered forgets the downloaded objects that are no longer covered
// by a downloaded quad. Objects created or edited locally are kept.
func (m *Manager) removeUncovered() int {
	n := m.spatial.DeleteWhere(func(o *models.Object) bool {
		if !o.Evictable() || m.region.AnyPointIsCovered(o.Points()) {
			return false
		}

		m.objects.Delete(o.ID)
		return true
	})

	instrumentEvictedObjects(n)
	return n
}
