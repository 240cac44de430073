// Package download keeps a map region in sync with a map data source: missing
// pieces are claimed, fetched by workers, merged into the object index and
// marked whole, then discarded when they get old or too numerous.
package download

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/quadmap/featureflag"
	"github.com/aukilabs/quadmap/models"
	"github.com/aukilabs/quadmap/persist"
	"github.com/aukilabs/quadmap/quadmap"
	"github.com/aukilabs/quadmap/undo"
)

const (
	ErrTypeStopped = "manager_stopped"

	DefaultWorkers          = 4
	DefaultFetchTimeout     = time.Second * 30
	DefaultSaveInterval     = time.Minute
	DefaultEvictionInterval = time.Minute
	DefaultEvictionMinAge   = time.Hour * 24
	DefaultUndoLimit        = 100
)

// Config is the configuration of a manager.
type Config struct {
	// The region that tracks what is downloaded.
	Region *quadmap.Region

	// The source of map objects.
	Fetcher Fetcher

	// The number of concurrent fetches.
	Workers int

	// The maximum duration of a fetch.
	FetchTimeout time.Duration

	// Where the coverage is saved. Nothing is saved when nil.
	Store persist.Store

	// The interval between coverage saves.
	SaveInterval time.Duration

	// The interval between eviction passes.
	EvictionInterval time.Duration

	// The age under which quads are never discarded to make room.
	EvictionMinAge time.Duration

	// The age after which quads are always discarded. Disabled when 0.
	MaxAge time.Duration

	// The number of indexed objects above which old quads are discarded.
	// Disabled when 0.
	ObjectLimit int

	// The number of edits that can be undone.
	UndoLimit int

	FeatureFlags featureflag.FeatureFlag

	// The clock used to date downloads and evictions. Defaults to time.Now.
	Clock func() time.Time
}

// Manager owns a region and the objects downloaded into it. Every access to
// the region and the objects happens on the goroutine that calls Run.
type Manager struct {
	region  *quadmap.Region
	spatial *quadmap.Spatial[*models.Object]
	objects *models.ObjectStore
	undo    *undo.Stack[*models.Object]

	fetcher          Fetcher
	workers          int
	fetchTimeout     time.Duration
	store            persist.Store
	saveInterval     time.Duration
	evictionInterval time.Duration
	evictionMinAge   time.Duration
	maxAge           time.Duration
	objectLimit      int
	featureFlags     featureflag.FeatureFlag
	clock            func() time.Time

	funcs   chan func()
	queries chan Query
	results chan result
	pending []Query
	stopped chan struct{}

	subscriptionMutex   sync.Mutex
	subscriptions       map[uint32]chan Event
	lastSubscriptionID  uint32
	freeSubscriptionIDs []uint32
}

type result struct {
	query   Query
	objects []models.ObjectJSON
	err     error
}

// NewManager creates a manager. Run must be called for the manager to serve
// requests.
func NewManager(c Config) *Manager {
	if c.Region == nil {
		c.Region = quadmap.NewRegion("default")
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = DefaultSaveInterval
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = DefaultEvictionInterval
	}
	if c.EvictionMinAge <= 0 {
		c.EvictionMinAge = DefaultEvictionMinAge
	}
	if c.UndoLimit <= 0 {
		c.UndoLimit = DefaultUndoLimit
	}
	if c.FeatureFlags == nil {
		c.FeatureFlags = featureflag.New(nil)
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	c.Region.SetClock(c.Clock)

	return &Manager{
		region:           c.Region,
		spatial:          quadmap.NewSpatial[*models.Object](c.Region.Name()),
		objects:          models.NewObjectStore(),
		undo:             undo.NewStack[*models.Object](c.UndoLimit),
		fetcher:          c.Fetcher,
		workers:          c.Workers,
		fetchTimeout:     c.FetchTimeout,
		store:            c.Store,
		saveInterval:     c.SaveInterval,
		evictionInterval: c.EvictionInterval,
		evictionMinAge:   c.EvictionMinAge,
		maxAge:           c.MaxAge,
		objectLimit:      c.ObjectLimit,
		featureFlags:     c.FeatureFlags,
		clock:            c.Clock,
		funcs:            make(chan func()),
		queries:          make(chan Query),
		results:          make(chan result, c.Workers),
		stopped:          make(chan struct{}),
		subscriptions:    make(map[uint32]chan Event),
	}
}

func (m *Manager) now() time.Time {
	return m.clock()
}

// Run serves requests and fetches missing pieces until the given context is
// canceled. Queries still waiting for a worker are failed and the coverage is
// saved before returning.
func (m *Manager) Run(ctx context.Context) {
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.work(workerCtx)
		}()
	}

	saveTicker := time.NewTicker(m.saveInterval)
	defer saveTicker.Stop()

	evictionTicker := time.NewTicker(m.evictionInterval)
	defer evictionTicker.Stop()

	logs.WithTag("region", m.region.Name()).
		WithTag("workers", m.workers).
		Info("download manager started")

	for {
		var queries chan Query
		var next Query
		if len(m.pending) != 0 {
			queries = m.queries
			next = m.pending[0]
		}

		select {
		case <-ctx.Done():
			close(m.stopped)
			cancelWorkers()
			m.shutdown(&wg)
			return

		case fn := <-m.funcs:
			fn()

		case queries <- next:
			m.pending[0] = Query{}
			m.pending = m.pending[1:]
			instrumentPendingQueries(len(m.pending))

		case r := <-m.results:
			m.complete(r)

		case <-saveTicker.C:
			m.save()

		case <-evictionTicker.C:
			m.featureFlags.IfNotSet(featureflag.FlagDisableEviction, m.evict)
			m.region.Instrument()
		}
	}
}

func (m *Manager) shutdown(wg *sync.WaitGroup) {
	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	for done := false; !done; {
		select {
		case r := <-m.results:
			m.complete(r)
		case <-workersDone:
			done = true
		}
	}

	for {
		select {
		case r := <-m.results:
			m.complete(r)
			continue
		default:
		}
		break
	}

	for _, q := range m.pending {
		m.complete(result{
			query: q,
			err: errors.New("download manager stopped").
				WithType(ErrTypeStopped),
		})
	}
	m.pending = nil
	instrumentPendingQueries(0)

	m.save()

	logs.WithTag("region", m.region.Name()).
		Info("download manager stopped")
}

func (m *Manager) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case q := <-m.queries:
			m.results <- m.fetch(ctx, q)
		}
	}
}

func (m *Manager) fetch(ctx context.Context, q Query) result {
	ctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	start := time.Now()
	objects, err := m.fetcher.Fetch(ctx, q.Rect)
	instrumentFetch(start, err)

	if err != nil {
		err = errors.New("fetching query failed").
			WithType(errors.Type(err)).
			WithTag("query_id", q.ID.String()).
			WithTag("rect", q.Rect.String()).
			Wrap(err)
	}

	return result{
		query:   q,
		objects: objects,
		err:     err,
	}
}

// Do runs fn on the goroutine that owns the region and the objects. It returns
// once fn is executed. An error is returned when the manager is stopped or when
// ctx is canceled before fn could start.
func (m *Manager) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	f := func() {
		defer close(done)
		fn()
	}

	select {
	case m.funcs <- f:
	case <-m.stopped:
		return errors.New("download manager is stopped").
			WithType(ErrTypeStopped)
	case <-ctx.Done():
		return errors.New("waiting for download manager failed").
			Wrap(ctx.Err())
	}

	<-done
	return nil
}

func (m *Manager) complete(r result) {
	q := r.query

	if r.err != nil {
		for _, p := range q.Pieces {
			m.region.MakeWhole(p, false)
		}

		logs.WithTag("query_id", q.ID.String()).
			WithTag("rect", q.Rect.String()).
			Warn(r.err)

		m.publish(Event{
			Type:    EventFailed,
			QueryID: q.ID.String(),
			BBox:    eventBBox(q.Rect),
			Pieces:  len(q.Pieces),
			Error:   r.err.Error(),
		})
		return
	}

	merged := m.merge(r.objects)

	var whole int
	for _, p := range q.Pieces {
		if m.region.MakeWhole(p, true) {
			whole++
		}
	}

	logs.WithTag("query_id", q.ID.String()).
		WithTag("rect", q.Rect.String()).
		WithTag("piece_count", len(q.Pieces)).
		WithTag("whole_count", whole).
		WithTag("object_count", merged).
		Debug("query downloaded")

	m.publish(Event{
		Type:    EventDownloaded,
		QueryID: q.ID.String(),
		BBox:    eventBBox(q.Rect),
		Pieces:  len(q.Pieces),
		Objects: merged,
	})
}

func (m *Manager) save() {
	if m.store == nil || m.featureFlags.IsSet(featureflag.FlagDisablePersistence) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	if err := m.region.Save(ctx, m.store); err != nil {
		logs.Error(errors.New("saving coverage failed").
			WithTag("region", m.region.Name()).
			Wrap(err))
	}
}
