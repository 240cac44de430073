package quadmap

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/persist"
	"github.com/aukilabs/quadmap/quadtree"
	"github.com/paulmach/orb/geojson"
)

// Region tracks the parts of the world that are downloaded.
//
// Region is not safe for concurrent use.
type Region struct {
	name     string
	coverage *quadtree.Coverage
}

// NewRegion creates a region where nothing is downloaded.
func NewRegion(name string) *Region {
	return NewRegionFromCoverage(name, quadtree.NewCoverage(geometry.World))
}

// NewRegionFromCoverage creates a region from an existing coverage tree.
func NewRegionFromCoverage(name string, c *quadtree.Coverage) *Region {
	r := &Region{
		name:     name,
		coverage: c,
	}
	r.instrument()
	return r
}

// LoadRegion loads a region from a store. A region that cannot be loaded is
// created empty so that it is downloaded again.
func LoadRegion(ctx context.Context, name string, s persist.Store) *Region {
	data, err := s.Load(ctx)
	if errors.Type(err) == persist.ErrTypeNotFound {
		logs.WithTag("region", name).Info("no saved coverage, starting empty")
		return NewRegion(name)
	}
	if err != nil {
		logs.Warn(errors.New("loading coverage failed, starting empty").
			WithTag("region", name).
			Wrap(err))
		return NewRegion(name)
	}

	c, err := persist.DecodeCoverage(data)
	if err != nil {
		logs.Warn(errors.New("decoding coverage failed, starting empty").
			WithTag("region", name).
			Wrap(err))
		return NewRegion(name)
	}

	logs.WithTag("region", name).
		WithTag("quads", c.Len()).
		WithTag("downloads", c.DownloadCount()).
		Info("coverage loaded")
	return NewRegionFromCoverage(name, c)
}

// Save writes the region coverage into a store.
func (r *Region) Save(ctx context.Context, s persist.Store) error {
	return s.Save(ctx, persist.EncodeCoverage(r.coverage))
}

func (r *Region) Name() string {
	return r.name
}

// SetClock sets the function that dates downloads.
func (r *Region) SetClock(now func() time.Time) {
	r.coverage.Clock = now
}

// MissingPieces claims the parts of rect that are neither downloaded nor
// being downloaded. Rectangles crossing the antimeridian are split in two.
//
// Every returned piece must be given back to MakeWhole.
func (r *Region) MissingPieces(rect geometry.Rect) []quadtree.Piece {
	var pieces []quadtree.Piece
	for _, part := range geometry.SplitAntimeridian(rect) {
		pieces = append(pieces, r.coverage.MissingPieces(part)...)
	}

	if len(pieces) != 0 {
		instrumentMissingPieces(r.name, len(pieces))
	}
	return pieces
}

// MakeWhole ends the download of a piece. It returns false when the piece was
// discarded in the meantime.
func (r *Region) MakeWhole(p quadtree.Piece, success bool) bool {
	return r.coverage.MakeWhole(p, success)
}

// IsBusy reports whether a piece is still being downloaded.
func (r *Region) IsBusy(p quadtree.Piece) bool {
	return r.coverage.IsBusy(p)
}

func (r *Region) PointIsCovered(p geometry.Point) bool {
	return r.coverage.PointIsCovered(p)
}

// AnyPointIsCovered reports whether at least one of the points is downloaded.
func (r *Region) AnyPointIsCovered(points []geometry.Point) bool {
	return r.coverage.AnyPointIsCovered(points)
}

// RectIsCovered reports whether nothing in rect is missing, without claiming
// anything.
func (r *Region) RectIsCovered(rect geometry.Rect) bool {
	for _, part := range geometry.SplitAntimeridian(rect) {
		if !r.coverage.RectIsCovered(part) {
			return false
		}
	}
	return true
}

// DiscardOlderThan forgets what was downloaded before date.
func (r *Region) DiscardOlderThan(date time.Time) bool {
	discarded := r.coverage.DiscardOlderThan(date)
	if discarded {
		instrumentDiscard(r.name)
		r.instrument()
	}
	return discarded
}

// DiscardOldest forgets a fraction of the oldest downloads that are not newer
// than oldest. See quadtree.Coverage.DiscardOldest.
func (r *Region) DiscardOldest(fraction float64, oldest time.Time) (time.Time, bool) {
	cutoff, discarded := r.coverage.DiscardOldest(fraction, oldest)
	if discarded {
		instrumentDiscard(r.name)
		r.instrument()
	}
	return cutoff, discarded
}

func (r *Region) CountBusy() int {
	return r.coverage.CountBusy()
}

func (r *Region) DownloadCount() int {
	return r.coverage.DownloadCount()
}

// Reset forgets everything. Pieces being downloaded are invalidated.
func (r *Region) Reset() {
	r.coverage.Reset()
	r.instrument()
}

// GeoJSON returns the downloaded and busy quads as polygons.
func (r *Region) GeoJSON() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	for q := range r.coverage.Quads() {
		var state string
		switch {
		case q.Busy:
			state = "busy"
		case !q.Downloaded.IsZero():
			state = "downloaded"
		case q.Whole:
			state = "whole"
		default:
			continue
		}

		f := geojson.NewFeature(q.Rect.Bound().ToPolygon())
		f.ID = int(q.ID)
		f.Properties["state"] = state
		if !q.Downloaded.IsZero() {
			f.Properties["downloaded"] = q.Downloaded.UTC().Format(time.RFC3339)
		}
		fc.Append(f)
	}
	return fc
}

// Instrument publishes the quad counts of the region.
func (r *Region) Instrument() {
	r.instrument()
}

func (r *Region) instrument() {
	instrumentRegionQuads(r.name, r.coverage.Len(), r.coverage.CountBusy(), r.coverage.DownloadCount())
}
