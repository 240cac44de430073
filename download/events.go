package download

import (
	"time"

	"github.com/aukilabs/quadmap/geometry"
)

type EventType string

const (
	// Pieces were claimed and queued for download.
	EventClaimed EventType = "claimed"

	// A query was downloaded and its pieces are whole.
	EventDownloaded EventType = "downloaded"

	// A query failed and its pieces are missing again.
	EventFailed EventType = "failed"

	// Old coverage was discarded.
	EventDiscarded EventType = "discarded"
)

// Event describes a change of the coverage.
type Event struct {
	Type    EventType  `json:"type"`
	QueryID string     `json:"query_id,omitempty"`
	BBox    [4]float64 `json:"bbox"`
	Pieces  int        `json:"pieces,omitempty"`
	Objects int        `json:"objects,omitempty"`
	Error   string     `json:"error,omitempty"`
	Time    time.Time  `json:"time"`
}

func eventBBox(r geometry.Rect) [4]float64 {
	return [4]float64{r.X, r.Y, r.MaxX(), r.MaxY()}
}

// Subscribe registers a subscriber to coverage events. Events are dropped when
// the returned channel is full. The channel is closed by Unsubscribe.
func (m *Manager) Subscribe(size int) (uint32, <-chan Event) {
	m.subscriptionMutex.Lock()
	defer m.subscriptionMutex.Unlock()

	var id uint32
	if n := len(m.freeSubscriptionIDs); n != 0 {
		id = m.freeSubscriptionIDs[n-1]
		m.freeSubscriptionIDs = m.freeSubscriptionIDs[:n-1]
	} else {
		m.lastSubscriptionID++
		id = m.lastSubscriptionID
	}

	c := make(chan Event, size)
	m.subscriptions[id] = c
	return id, c
}

func (m *Manager) Unsubscribe(id uint32) {
	m.subscriptionMutex.Lock()
	defer m.subscriptionMutex.Unlock()

	c, ok := m.subscriptions[id]
	if !ok {
		return
	}

	delete(m.subscriptions, id)
	close(c)
	m.freeSubscriptionIDs = append(m.freeSubscriptionIDs, id)
}

func (m *Manager) publish(e Event) {
	e.Time = m.now()

	m.subscriptionMutex.Lock()
	defer m.subscriptionMutex.Unlock()

	for _, c := range m.subscriptions {
		select {
		case c <- e:
		default:
			instrumentDroppedEvent(e.Type)
		}
	}
}
