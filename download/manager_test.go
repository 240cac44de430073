package download

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/quadmap/featureflag"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/models"
	"github.com/aukilabs/quadmap/persist"
	"github.com/aukilabs/quadmap/quadmap"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mutex sync.Mutex
	now   time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = c.now.Add(d)
}

// centerFetcher returns one object at the center of each fetched rectangle.
func centerFetcher() Fetcher {
	return FetcherFunc(func(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error) {
		c := rect.Center()
		return []models.ObjectJSON{
			{
				ID:      uuid.NewString(),
				Version: 1,
				BBox:    [4]float64{c[0], c[1], c[0] + 0.001, c[1] + 0.001},
			},
		}, nil
	})
}

func runManager(t *testing.T, c Config) *Manager {
	m := NewManager(c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func waitIdle(t *testing.T, m *Manager) {
	require.Eventually(t, func() bool {
		s, err := m.Stats(context.Background())
		require.NoError(t, err)
		return s.Pending == 0 && s.Busy == 0
	}, time.Second*5, time.Millisecond*10)
}

var northEast = geometry.NewRect(0, 0, 180, 90)

func TestManagerRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("missing pieces are downloaded", func(t *testing.T) {
		m := runManager(t, Config{Fetcher: centerFetcher()})

		_, events := m.Subscribe(8)

		pieces, err := m.Request(ctx, northEast)
		require.NoError(t, err)
		require.Len(t, pieces, 1)
		require.Equal(t, EventClaimed, (<-events).Type)
		require.Equal(t, EventDownloaded, (<-events).Type)

		waitIdle(t, m)

		covered, err := m.Covered(ctx, geometry.Point{90, 45})
		require.NoError(t, err)
		require.True(t, covered)

		objects, err := m.Find(ctx, northEast)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		require.Equal(t, models.SourceDownload, objects[0].Source)

		pieces, err = m.Request(ctx, northEast)
		require.NoError(t, err)
		require.Empty(t, pieces)
	})

	t.Run("failed fetches release their pieces", func(t *testing.T) {
		m := runManager(t, Config{
			Fetcher: FetcherFunc(func(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error) {
				return nil, errors.New("unavailable").WithType(ErrTypeFetch)
			}),
		})

		_, events := m.Subscribe(8)

		_, err := m.Request(ctx, northEast)
		require.NoError(t, err)
		require.Equal(t, EventClaimed, (<-events).Type)

		e := <-events
		require.Equal(t, EventFailed, e.Type)
		require.NotEmpty(t, e.Error)

		waitIdle(t, m)

		stats, err := m.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.Downloads)

		pieces, err := m.Request(ctx, northEast)
		require.NoError(t, err)
		require.Len(t, pieces, 1)
	})

	t.Run("pieces are coalesced unless disabled", func(t *testing.T) {
		block := make(chan struct{})
		defer close(block)

		fetcher := FetcherFunc(func(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		})

		count := func(flags ...string) int {
			m := runManager(t, Config{
				Fetcher:      fetcher,
				FeatureFlags: featureflag.New(flags),
			})
			_, events := m.Subscribe(64)

			_, err := m.Request(ctx, geometry.NewRect(1, 1, 2, 2))
			require.NoError(t, err)

			var claimed int
			for len(events) != 0 {
				if e := <-events; e.Type == EventClaimed {
					claimed++
				}
			}
			return claimed
		}

		require.Less(t, count(), count(string(featureflag.FlagDisableCoalescing)))
	})
}

func TestManagerObjects(t *testing.T) {
	ctx := context.Background()
	bbox := geometry.NewRect(10, 10, 1, 1)

	t.Run("objects are created moved and deleted", func(t *testing.T) {
		m := runManager(t, Config{Fetcher: centerFetcher()})

		o, err := m.AddObject(ctx, bbox, map[string]string{"name": "bench"})
		require.NoError(t, err)
		require.Equal(t, models.SourceLocal, o.Source)

		objects, err := m.Find(ctx, bbox)
		require.NoError(t, err)
		require.Len(t, objects, 1)

		id := uuid.MustParse(o.ID)
		to := geometry.NewRect(-20, -20, 1, 1)
		moved, err := m.MoveObject(ctx, id, to)
		require.NoError(t, err)
		require.True(t, moved.Modified)

		objects, err = m.Find(ctx, bbox)
		require.NoError(t, err)
		require.Empty(t, objects)

		objects, err = m.Find(ctx, to)
		require.NoError(t, err)
		require.Len(t, objects, 1)

		require.NoError(t, m.DeleteObject(ctx, id))
		objects, err = m.Find(ctx, to)
		require.NoError(t, err)
		require.Empty(t, objects)
		require.NoError(t, m.ConsistencyCheck(ctx))
	})

	t.Run("unknown objects return an error", func(t *testing.T) {
		m := runManager(t, Config{Fetcher: centerFetcher()})

		err := m.DeleteObject(ctx, uuid.New())
		require.Equal(t, models.ErrTypeObjectNotFound, errors.Type(err))

		_, err = m.MoveObject(ctx, uuid.New(), bbox)
		require.Equal(t, models.ErrTypeObjectNotFound, errors.Type(err))
	})

	t.Run("invalid boxes are rejected", func(t *testing.T) {
		m := runManager(t, Config{Fetcher: centerFetcher()})

		_, err := m.AddObject(ctx, geometry.NewRect(170, 0, 20, 1), nil)
		require.Equal(t, ErrTypeInvalidObject, errors.Type(err))
	})

	t.Run("edits are undone and redone", func(t *testing.T) {
		m := runManager(t, Config{Fetcher: centerFetcher()})

		o, err := m.AddObject(ctx, bbox, nil)
		require.NoError(t, err)
		id := uuid.MustParse(o.ID)

		to := geometry.NewRect(40, 40, 2, 2)
		_, err = m.MoveObject(ctx, id, to)
		require.NoError(t, err)

		ok, err := m.Undo(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		objects, err := m.Find(ctx, bbox)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		require.Equal(t, o.BBox, objects[0].BBox)

		ok, err = m.Undo(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		stats, err := m.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, stats.Objects)
		require.Zero(t, stats.Indexed)
		require.Equal(t, 2, stats.Redos)

		ok, err = m.Undo(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = m.Redo(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = m.Redo(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		objects, err = m.Find(ctx, to)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		require.NoError(t, m.ConsistencyCheck(ctx))
	})
}

func TestManagerUndoReplacedObject(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	id := uuid.NewString()

	m := runManager(t, Config{
		Fetcher: FetcherFunc(func(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error) {
			return []models.ObjectJSON{{ID: id, Version: 1, BBox: [4]float64{45, 45, 45.5, 45.5}}}, nil
		}),
		MaxAge: time.Hour,
		Clock:  clock.Now,
	})

	_, err := m.Request(ctx, northEast)
	require.NoError(t, err)
	waitIdle(t, m)
	require.NoError(t, m.DeleteObject(ctx, uuid.MustParse(id)))

	clock.Advance(time.Hour * 2)
	require.NoError(t, m.Do(ctx, m.evict))

	_, err = m.Request(ctx, northEast)
	require.NoError(t, err)
	waitIdle(t, m)

	ok, err := m.Undo(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	objects, err := m.Find(ctx, northEast)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.False(t, objects[0].Modified)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Objects)
	require.Equal(t, 1, stats.Indexed)
	require.Zero(t, stats.Redos)
	require.NoError(t, m.ConsistencyCheck(ctx))
}

func TestManagerMerge(t *testing.T) {
	ctx := context.Background()
	m := runManager(t, Config{Fetcher: centerFetcher()})

	id := uuid.NewString()
	merge := func(version int64, bbox [4]float64) int {
		var n int
		err := m.Do(ctx, func() {
			n = m.merge([]models.ObjectJSON{{ID: id, Version: version, BBox: bbox}})
		})
		require.NoError(t, err)
		return n
	}

	require.Equal(t, 1, merge(2, [4]float64{1, 1, 2, 2}))

	t.Run("older versions are ignored", func(t *testing.T) {
		require.Zero(t, merge(1, [4]float64{5, 5, 6, 6}))
		require.Zero(t, merge(2, [4]float64{5, 5, 6, 6}))
	})

	t.Run("newer versions move the object", func(t *testing.T) {
		require.Equal(t, 1, merge(3, [4]float64{5, 5, 6, 6}))

		objects, err := m.Find(ctx, geometry.NewRect(5, 5, 1, 1))
		require.NoError(t, err)
		require.Len(t, objects, 1)
		require.Equal(t, int64(3), objects[0].Version)
	})

	t.Run("locally edited objects are kept", func(t *testing.T) {
		_, err := m.MoveObject(ctx, uuid.MustParse(id), geometry.NewRect(7, 7, 1, 1))
		require.NoError(t, err)
		require.Zero(t, merge(4, [4]float64{1, 1, 2, 2}))
	})

	t.Run("invalid objects are skipped", func(t *testing.T) {
		var n int
		err := m.Do(ctx, func() {
			n = m.merge([]models.ObjectJSON{
				{ID: "not-an-id", BBox: [4]float64{1, 1, 2, 2}},
				{ID: uuid.NewString(), BBox: [4]float64{2, 2, 1, 1}},
			})
		})
		require.NoError(t, err)
		require.Zero(t, n)
	})

	require.NoError(t, m.ConsistencyCheck(ctx))
}

func TestManagerEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("quads older than the max age are discarded", func(t *testing.T) {
		clock := newClock()
		m := runManager(t, Config{
			Fetcher: centerFetcher(),
			MaxAge:  time.Hour,
			Clock:   clock.Now,
		})

		_, err := m.Request(ctx, northEast)
		require.NoError(t, err)
		waitIdle(t, m)

		local, err := m.AddObject(ctx, geometry.NewRect(1, 1, 1, 1), nil)
		require.NoError(t, err)

		_, events := m.Subscribe(8)

		clock.Advance(time.Hour * 2)
		require.NoError(t, m.Do(ctx, m.evict))

		e := <-events
		require.Equal(t, EventDiscarded, e.Type)
		require.Equal(t, 1, e.Objects)

		covered, err := m.Covered(ctx, geometry.Point{90, 45})
		require.NoError(t, err)
		require.False(t, covered)

		objects, err := m.Find(ctx, northEast)
		require.NoError(t, err)
		require.Len(t, objects, 1)
		require.Equal(t, local.ID, objects[0].ID)
		require.NoError(t, m.ConsistencyCheck(ctx))
	})

	t.Run("old quads are discarded when there are too many objects", func(t *testing.T) {
		clock := newClock()
		m := runManager(t, Config{
			Fetcher:        centerFetcher(),
			ObjectLimit:    2,
			EvictionMinAge: time.Hour,
			Clock:          clock.Now,
		})

		for _, r := range []geometry.Rect{
			geometry.NewRect(0, 0, 90, 45),
			geometry.NewRect(-90, 0, 90, 45),
			geometry.NewRect(0, -45, 90, 45),
			geometry.NewRect(-90, -45, 90, 45),
		} {
			_, err := m.Request(ctx, r)
			require.NoError(t, err)
			waitIdle(t, m)
			clock.Advance(time.Minute)
		}

		before, err := m.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 4, before.Indexed)

		require.NoError(t, m.Do(ctx, m.evict))
		after, err := m.Stats(ctx)
		require.NoError(t, err)
		require.Equal(t, 4, after.Indexed)

		clock.Advance(time.Hour * 2)
		require.NoError(t, m.Do(ctx, m.evict))
		after, err = m.Stats(ctx)
		require.NoError(t, err)
		require.Less(t, after.Indexed, before.Indexed)
		require.Less(t, after.Downloads, before.Downloads)
		require.Equal(t, after.Objects, after.Indexed)
	})

	t.Run("eviction fraction", func(t *testing.T) {
		require.Zero(t, evictionFraction(10, 0))
		require.Zero(t, evictionFraction(10, 10))
		require.Equal(t, minEvictionFraction, evictionFraction(11, 10))
		require.InDelta(t, 0.75, evictionFraction(40, 10), 1e-9)
	})
}

func TestManagerStop(t *testing.T) {
	started := make(chan struct{}, 1)
	fetcher := FetcherFunc(func(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	dir := t.TempDir()
	store := persist.FileStore{Path: dir + "/coverage.qmap"}

	m := NewManager(Config{
		Region:  quadmap.NewRegion("stop"),
		Fetcher: fetcher,
		Workers: 1,
		Store:   store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	_, err := m.Request(context.Background(), northEast)
	require.NoError(t, err)
	_, err = m.Request(context.Background(), geometry.NewRect(-180, -90, 180, 90))
	require.NoError(t, err)
	<-started

	cancel()
	<-done

	require.Zero(t, m.region.CountBusy())
	require.Empty(t, m.pending)

	err = m.Do(context.Background(), func() {})
	require.Equal(t, ErrTypeStopped, errors.Type(err))

	data, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestManagerSubscriptions(t *testing.T) {
	m := NewManager(Config{Fetcher: centerFetcher()})

	id, events := m.Subscribe(1)
	m.publish(Event{Type: EventClaimed})
	m.publish(Event{Type: EventFailed})

	e := <-events
	require.Equal(t, EventClaimed, e.Type)
	require.False(t, e.Time.IsZero())

	m.Unsubscribe(id)
	_, ok := <-events
	require.False(t, ok)

	m.Unsubscribe(id)
}

func TestManagerSubscriptionIDs(t *testing.T) {
	m := NewManager(Config{Fetcher: centerFetcher()})

	a, _ := m.Subscribe(1)
	b, _ := m.Subscribe(1)
	require.NotEqual(t, a, b)

	m.Unsubscribe(a)
	c, _ := m.Subscribe(1)
	require.Equal(t, a, c)
}
