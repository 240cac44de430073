package http

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/quadmap/download"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/models"
	"github.com/aukilabs/quadmap/quadtree"
	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"github.com/segmentio/encoding/json"
)

const maxBodySize = 1 << 20

// Manager is the map state served by the API.
type Manager interface {
	Request(ctx context.Context, rect geometry.Rect) ([]quadtree.Piece, error)
	Covered(ctx context.Context, p geometry.Point) (bool, error)
	Find(ctx context.Context, area geometry.Rect) ([]models.ObjectJSON, error)
	AddObject(ctx context.Context, bbox geometry.Rect, tags map[string]string) (models.ObjectJSON, error)
	MoveObject(ctx context.Context, id uuid.UUID, bbox geometry.Rect) (models.ObjectJSON, error)
	DeleteObject(ctx context.Context, id uuid.UUID) error
	Undo(ctx context.Context) (bool, error)
	Redo(ctx context.Context) (bool, error)
	GeoJSON(ctx context.Context) (*geojson.FeatureCollection, error)
	Stats(ctx context.Context) (download.Stats, error)
}

// PieceJSON is the JSON representation of a claimed piece.
type PieceJSON struct {
	BBox [4]float64 `json:"bbox"`
}

type MissingResponse struct {
	Pieces []PieceJSON `json:"pieces"`
}

type CoveredResponse struct {
	Covered bool `json:"covered"`
}

type ObjectsResponse struct {
	Objects []models.ObjectJSON `json:"objects"`
}

type ObjectRequest struct {
	BBox [4]float64        `json:"bbox"`
	Tags map[string]string `json:"tags,omitempty"`
}

type HistoryResponse struct {
	Done bool `json:"done"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// NewAPI returns the handler that serves the map API.
func NewAPI(m Manager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /missing", handleMissing(m))
	mux.HandleFunc("GET /covered", handleCovered(m))
	mux.HandleFunc("GET /objects", handleFindObjects(m))
	mux.HandleFunc("POST /objects", handleAddObject(m))
	mux.HandleFunc("PUT /objects/{id}", handleMoveObject(m))
	mux.HandleFunc("DELETE /objects/{id}", handleDeleteObject(m))
	mux.HandleFunc("POST /undo", handleHistory(m.Undo))
	mux.HandleFunc("POST /redo", handleHistory(m.Redo))
	mux.HandleFunc("GET /coverage.geojson", handleGeoJSON(m))
	mux.HandleFunc("GET /stats", handleStats(m))
	return mux
}

func handleMissing(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rect, err := geometry.ParseBBox(r.URL.Query().Get("bbox"))
		if err != nil {
			httpcmn.BadRequest(w, err)
			return
		}

		pieces, err := m.Request(r.Context(), rect)
		if err != nil {
			replyError(w, err)
			return
		}

		res := MissingResponse{Pieces: make([]PieceJSON, len(pieces))}
		for i, p := range pieces {
			res.Pieces[i] = PieceJSON{
				BBox: [4]float64{p.Rect.X, p.Rect.Y, p.Rect.MaxX(), p.Rect.MaxY()},
			}
		}
		reply(w, http.StatusOK, res)
	}
}

func handleCovered(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		lon, err := strconv.ParseFloat(q.Get("lon"), 64)
		if err != nil {
			httpcmn.BadRequest(w, errors.New("invalid longitude").Wrap(err))
			return
		}

		lat, err := strconv.ParseFloat(q.Get("lat"), 64)
		if err != nil {
			httpcmn.BadRequest(w, errors.New("invalid latitude").Wrap(err))
			return
		}

		covered, err := m.Covered(r.Context(), geometry.Point{lon, lat})
		if err != nil {
			replyError(w, err)
			return
		}
		reply(w, http.StatusOK, CoveredResponse{Covered: covered})
	}
}

func handleFindObjects(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rect, err := geometry.ParseBBox(r.URL.Query().Get("bbox"))
		if err != nil {
			httpcmn.BadRequest(w, err)
			return
		}

		objects, err := m.Find(r.Context(), rect)
		if err != nil {
			replyError(w, err)
			return
		}
		reply(w, http.StatusOK, ObjectsResponse{Objects: objects})
	}
}

func handleAddObject(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ObjectRequest
		if err := decodeBody(r, &req); err != nil {
			httpcmn.BadRequest(w, err)
			return
		}

		o, err := m.AddObject(r.Context(), models.ObjectJSON{BBox: req.BBox}.Rect(), req.Tags)
		if err != nil {
			replyError(w, err)
			return
		}
		reply(w, http.StatusCreated, o)
	}
}

func handleMoveObject(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpcmn.BadRequest(w, errors.New("invalid object id").Wrap(err))
			return
		}

		var req ObjectRequest
		if err := decodeBody(r, &req); err != nil {
			httpcmn.BadRequest(w, err)
			return
		}

		o, err := m.MoveObject(r.Context(), id, models.ObjectJSON{BBox: req.BBox}.Rect())
		if err != nil {
			replyError(w, err)
			return
		}
		reply(w, http.StatusOK, o)
	}
}

func handleDeleteObject(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			httpcmn.BadRequest(w, errors.New("invalid object id").Wrap(err))
			return
		}

		if err := m.DeleteObject(r.Context(), id); err != nil {
			replyError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleHistory(step func(context.Context) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		done, err := step(r.Context())
		if err != nil {
			replyError(w, err)
			return
		}
		reply(w, http.StatusOK, HistoryResponse{Done: done})
	}
}

func handleGeoJSON(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fc, err := m.GeoJSON(r.Context())
		if err != nil {
			replyError(w, err)
			return
		}

		b, err := fc.MarshalJSON()
		if err != nil {
			httpcmn.InternalServerError(w, errors.New("encoding geojson failed").Wrap(err))
			return
		}

		w.Header().Set("Content-Type", "application/geo+json")
		w.WriteHeader(http.StatusOK)
		w.Write(b)
	}
}

func handleStats(m Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := m.Stats(r.Context())
		if err != nil {
			replyError(w, err)
			return
		}
		reply(w, http.StatusOK, stats)
	}
}

func decodeBody(r *http.Request, v any) error {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return errors.New("reading body failed").Wrap(err)
	}

	if err := json.Unmarshal(b, v); err != nil {
		return errors.New("decoding body failed").Wrap(err)
	}
	return nil
}

func reply(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		httpcmn.InternalServerError(w, errors.New("encoding response failed").Wrap(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func replyError(w http.ResponseWriter, err error) {
	var status int
	switch errors.Type(err) {
	case models.ErrTypeObjectNotFound:
		status = http.StatusNotFound

	case download.ErrTypeInvalidObject, geometry.ErrTypeInvalidBBox:
		status = http.StatusBadRequest

	case download.ErrTypeStopped:
		status = http.StatusServiceUnavailable

	default:
		logs.Error(err)
		httpcmn.InternalServerError(w, err)
		return
	}

	reply(w, status, ErrorResponse{
		Error: err.Error(),
		Type:  errors.Type(err),
	})
}
