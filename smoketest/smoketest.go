// Package smoketest checks that the quadtrees of the service behave on a
// scratch map.
package smoketest

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/models"
	"github.com/aukilabs/quadmap/persist"
	"github.com/aukilabs/quadmap/quadmap"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

const (
	ErrTypeSmokeTest = "smoke_test_failed"

	StatusSuccess = "success"
	StatusFailed  = "failed"

	defaultObjects = 1000
	maxObjects     = 100000
	sourceLabel    = "smoketest"
)

type Options struct {
	// The number of objects indexed when the request does not specify it.
	Objects int

	// Called with the result of each smoke test.
	SendResult func(context.Context, Result) error
}

type Request struct {
	Objects int   `json:"objects,omitempty"`
	Seed    int64 `json:"seed,omitempty"`
}

type Result struct {
	Status          string  `json:"status"`
	Objects         int     `json:"objects"`
	Pieces          int     `json:"pieces"`
	EncodedSize     int     `json:"encoded_size"`
	LatencyMilliSec float64 `json:"latency_ms"`
	Error           string  `json:"error,omitempty"`
}

func HandleSmokeTest(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			httpcmn.InternalServerError(w, errors.New("reading body failed").Wrap(err))
			return
		}

		var req Request
		if len(b) != 0 {
			if err := json.Unmarshal(b, &req); err != nil {
				httpcmn.BadRequest(w, httpcmn.ErrBadRequest)
				return
			}
		}
		if req.Objects <= 0 {
			req.Objects = opts.Objects
		}
		if req.Objects <= 0 {
			req.Objects = defaultObjects
		}
		if req.Objects > maxObjects {
			httpcmn.BadRequest(w, httpcmn.ErrBadRequest)
			return
		}
		if req.Seed == 0 {
			req.Seed = time.Now().UnixNano()
		}

		res := Run(req)
		if res.Status != StatusSuccess {
			logs.WithTag("seed", req.Seed).
				WithTag("objects", req.Objects).
				Warn(errors.New(res.Error).WithType(ErrTypeSmokeTest))
		}

		if opts.SendResult != nil {
			if err := opts.SendResult(r.Context(), res); err != nil {
				logs.Warn(errors.New("sending smoke test result failed").Wrap(err))
			}
		}

		body, err := json.Marshal(res)
		if err != nil {
			httpcmn.InternalServerError(w, errors.New("encoding result failed").Wrap(err))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}

// Run indexes random objects in a scratch map, downloads their area, and
// verifies that the index and the coverage agree.
func Run(req Request) Result {
	start := time.Now()
	res := Result{Objects: req.Objects}

	if err := run(req, &res); err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
	} else {
		res.Status = StatusSuccess
	}

	res.LatencyMilliSec = float64(time.Since(start)) / float64(time.Millisecond)
	return res
}

func run(req Request, res *Result) error {
	rng := rand.New(rand.NewSource(req.Seed))
	area := geometry.NewRect(-10, -10, 20, 20)

	spatial := quadmap.NewSpatial[*models.Object](sourceLabel)
	objects := make([]*models.Object, req.Objects)
	for i := range objects {
		bbox := geometry.NewRect(
			area.X+rng.Float64()*(area.Width-1),
			area.Y+rng.Float64()*(area.Height-1),
			rng.Float64(),
			rng.Float64(),
		)
		objects[i] = models.NewObject(uuid.New(), sourceLabel, bbox, nil)
		spatial.AddMember(objects[i], nil)
	}

	if err := spatial.ConsistencyCheck(objects); err != nil {
		return err
	}

	var found int
	for range spatial.FindObjects(area) {
		found++
	}
	if found != len(objects) {
		return errors.New("objects are missing from the index").
			WithTag("found", found).
			WithTag("indexed", len(objects))
	}

	region := quadmap.NewRegion(sourceLabel)
	pieces := region.MissingPieces(area)
	res.Pieces = len(pieces)
	for _, p := range pieces {
		if !region.MakeWhole(p, true) {
			return errors.New("claimed piece could not be completed").
				WithTag("piece", p.Rect.String())
		}
	}

	for _, o := range objects {
		if !region.AnyPointIsCovered(o.Points()) {
			return errors.New("downloaded object is not covered").
				WithTag("object", o.String())
		}
	}
	if !region.RectIsCovered(area) {
		return errors.New("downloaded area is not covered").
			WithTag("area", area.String())
	}
	if len(region.MissingPieces(area)) != 0 {
		return errors.New("downloaded area is still missing").
			WithTag("area", area.String())
	}

	store := &memoryStore{}
	if err := region.Save(context.Background(), store); err != nil {
		return err
	}
	res.EncodedSize = len(store.data)

	loaded, err := persist.DecodeCoverage(store.data)
	if err != nil {
		return err
	}
	if !loaded.RectIsCovered(area) {
		return errors.New("decoded coverage lost the downloaded area").
			WithTag("area", area.String())
	}
	return nil
}

type memoryStore struct {
	data []byte
}

func (s *memoryStore) Load(ctx context.Context) ([]byte, error) {
	return s.data, nil
}

func (s *memoryStore) Save(ctx context.Context, data []byte) error {
	s.data = data
	return nil
}
