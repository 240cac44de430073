package download

import (
	"context"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/quadmap/featureflag"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/models"
	"github.com/aukilabs/quadmap/quadtree"
	"github.com/aukilabs/quadmap/undo"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
)

const ErrTypeInvalidObject = "invalid_object"

// Stats describes the content of a manager.
type Stats struct {
	Region    string `json:"region"`
	Objects   int    `json:"objects"`
	Indexed   int    `json:"indexed"`
	Downloads int    `json:"downloads"`
	Busy      int    `json:"busy"`
	Pending   int    `json:"pending"`
	Undos     int    `json:"undos"`
	Redos     int    `json:"redos"`
}

// Request claims the pieces of rect that are not downloaded and schedules
// their fetch. The claimed pieces are returned.
func (m *Manager) Request(ctx context.Context, rect geometry.Rect) ([]quadtree.Piece, error) {
	var pieces []quadtree.Piece
	err := m.Do(ctx, func() {
		pieces = m.request(rect)
	})
	return pieces, err
}

func (m *Manager) request(rect geometry.Rect) []quadtree.Piece {
	pieces := m.region.MissingPieces(rect)
	if len(pieces) == 0 {
		return nil
	}

	var queries []Query
	if m.featureFlags.IsSet(featureflag.FlagDisableCoalescing) {
		queries = Queries(pieces)
	} else {
		queries = Coalesce(pieces)
	}

	for _, q := range queries {
		m.publish(Event{
			Type:    EventClaimed,
			QueryID: q.ID.String(),
			BBox:    eventBBox(q.Rect),
			Pieces:  len(q.Pieces),
		})
	}

	m.pending = append(m.pending, queries...)
	instrumentPendingQueries(len(m.pending))

	logs.WithTag("rect", rect.String()).
		WithTag("piece_count", len(pieces)).
		WithTag("query_count", len(queries)).
		Debug("missing pieces claimed")
	return pieces
}

// Covered reports whether a point is downloaded.
func (m *Manager) Covered(ctx context.Context, p geometry.Point) (bool, error) {
	var covered bool
	err := m.Do(ctx, func() {
		covered = m.region.PointIsCovered(p)
	})
	return covered, err
}

// Find returns the objects that intersect area.
func (m *Manager) Find(ctx context.Context, area geometry.Rect) ([]models.ObjectJSON, error) {
	var objects []models.ObjectJSON
	err := m.Do(ctx, func() {
		objects = []models.ObjectJSON{}
		for o := range m.spatial.FindObjects(area) {
			objects = append(objects, o.ToJSON())
		}
	})
	return objects, err
}

// AddObject creates an object. The creation can be undone.
func (m *Manager) AddObject(ctx context.Context, bbox geometry.Rect, tags map[string]string) (models.ObjectJSON, error) {
	if err := validateObjectBBox(bbox); err != nil {
		return models.ObjectJSON{}, err
	}

	var res models.ObjectJSON
	var err error
	doErr := m.Do(ctx, func() {
		o := models.NewObject(uuid.New(), models.SourceLocal, bbox, tags)
		if err = m.objects.Add(o); err != nil {
			return
		}

		m.spatial.AddMember(o, m.undo)
		res = o.ToJSON()
	})
	if doErr != nil {
		return models.ObjectJSON{}, doErr
	}
	return res, err
}

// MoveObject changes the bounding box of an object. The move can be undone.
func (m *Manager) MoveObject(ctx context.Context, id uuid.UUID, bbox geometry.Rect) (models.ObjectJSON, error) {
	if err := validateObjectBBox(bbox); err != nil {
		return models.ObjectJSON{}, err
	}

	var res models.ObjectJSON
	var err error
	doErr := m.Do(ctx, func() {
		var o *models.Object
		if o, err = m.objects.Get(id); err != nil {
			return
		}

		from := o.BoundingBox()
		o.Move(bbox)
		o.Modified = true
		m.spatial.UpdateMember(o, bbox, from, m.undo)
		res = o.ToJSON()
	})
	if doErr != nil {
		return models.ObjectJSON{}, doErr
	}
	return res, err
}

// DeleteObject removes an object. The removal can be undone.
func (m *Manager) DeleteObject(ctx context.Context, id uuid.UUID) error {
	var err error
	doErr := m.Do(ctx, func() {
		var o *models.Object
		if o, err = m.objects.Get(id); err != nil {
			return
		}

		m.spatial.RemoveMember(o, m.undo)
		m.objects.Delete(id)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Undo reverts the last edit. It reports whether there was something to undo.
func (m *Manager) Undo(ctx context.Context) (bool, error) {
	var ok bool
	var err error
	doErr := m.Do(ctx, func() {
		ok, err = m.undo.Undo(m.apply)
	})
	if doErr != nil {
		return false, doErr
	}
	return ok, err
}

// Redo applies the last undone edit again. It reports whether there was
// something to redo.
func (m *Manager) Redo(ctx context.Context) (bool, error) {
	var ok bool
	var err error
	doErr := m.Do(ctx, func() {
		ok, err = m.undo.Redo(m.apply)
	})
	if doErr != nil {
		return false, doErr
	}
	return ok, err
}

func (m *Manager) apply(cmd undo.Command[*models.Object], r undo.Recorder[*models.Object]) error {
	o := cmd.Member
	if m.replaced(cmd) {
		logs.WithTag("object_id", o.ID).
			WithTag("kind", cmd.Kind.String()).
			Debug("dropping edit of a replaced object")
		return nil
	}

	if err := m.spatial.Apply(cmd, r); err != nil {
		return err
	}
	o.Modified = true

	switch cmd.Kind {
	case undo.Add:
		return m.objects.Add(o)

	case undo.Remove:
		m.objects.Delete(o.ID)
	}
	return nil
}

// replaced reports whether the object of a command is no longer the one
// stored under its id, which happens when it was evicted and downloaded
// again.
func (m *Manager) replaced(cmd undo.Command[*models.Object]) bool {
	live, err := m.objects.Get(cmd.Member.ID)
	if cmd.Kind == undo.Add {
		return err == nil
	}
	return err != nil || live != cmd.Member
}

// GeoJSON returns the quads of the region as a feature collection.
func (m *Manager) GeoJSON(ctx context.Context) (*geojson.FeatureCollection, error) {
	var fc *geojson.FeatureCollection
	err := m.Do(ctx, func() {
		fc = m.region.GeoJSON()
	})
	return fc, err
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := m.Do(ctx, func() {
		s = m.stats()
	})
	return s, err
}

func (m *Manager) stats() Stats {
	undos, redos := m.undo.Len()
	return Stats{
		Region:    m.region.Name(),
		Objects:   m.objects.Len(),
		Indexed:   m.spatial.Count(),
		Downloads: m.region.DownloadCount(),
		Busy:      m.region.CountBusy(),
		Pending:   len(m.pending),
		Undos:     undos,
		Redos:     redos,
	}
}

// Save writes the coverage into the configured store.
func (m *Manager) Save(ctx context.Context) error {
	return m.Do(ctx, m.save)
}

// ConsistencyCheck verifies that every object is indexed exactly once.
func (m *Manager) ConsistencyCheck(ctx context.Context) error {
	var err error
	doErr := m.Do(ctx, func() {
		err = m.spatial.ConsistencyCheck(m.objects.All())
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// merge adds downloaded objects to the index. Known objects are updated when
// the downloaded version is newer, unless they were edited locally.
func (m *Manager) merge(objects []models.ObjectJSON) int {
	var merged int

	for _, j := range objects {
		id, err := uuid.Parse(j.ID)
		if err != nil {
			logs.Warn(errors.New("invalid downloaded object id").
				WithType(ErrTypeInvalidObject).
				WithTag("id", j.ID).
				Wrap(err))
			continue
		}

		bbox := j.Rect()
		if err := validateObjectBBox(bbox); err != nil {
			logs.Warn(errors.New("invalid downloaded object").
				WithTag("id", j.ID).
				Wrap(err))
			continue
		}

		o, err := m.objects.Get(id)
		if err != nil {
			o = models.NewObject(id, models.SourceDownload, bbox, j.Tags)
			o.Version = j.Version
			m.objects.Add(o)
			m.spatial.AddMember(o, nil)
			merged++
			continue
		}

		if o.Modified || j.Version <= o.Version {
			continue
		}

		from := o.BoundingBox()
		o.Move(bbox)
		o.Version = j.Version
		o.Tags = j.Tags
		m.spatial.UpdateMember(o, bbox, from, nil)
		merged++
	}

	return merged
}

func validateObjectBBox(bbox geometry.Rect) error {
	if !bbox.Valid() || !geometry.World.ContainsRect(bbox) {
		return errors.New("object bounding box is invalid").
			WithType(ErrTypeInvalidObject).
			WithTag("bbox", bbox.String())
	}
	return nil
}
