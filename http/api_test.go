package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aukilabs/quadmap/download"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/models"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) http.Handler {
	m := download.NewManager(download.Config{
		Fetcher: download.FetcherFunc(func(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error) {
			return nil, nil
		}),
	})

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
	return NewAPI(m)
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAPIMissing(t *testing.T) {
	h := newTestAPI(t)

	t.Run("missing pieces are claimed", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/missing?bbox=0,0,180,90", "")
		require.Equal(t, http.StatusOK, rec.Code)

		res := decode[MissingResponse](t, rec)
		require.Equal(t, []PieceJSON{{BBox: [4]float64{0, 0, 180, 90}}}, res.Pieces)
	})

	t.Run("an invalid bbox is a bad request", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/missing?bbox=0,0,foo,90", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("covered point", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/covered?lon=10&lat=foo", "")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		rec = serve(t, h, http.MethodGet, "/covered?lon=-10&lat=-10", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.False(t, decode[CoveredResponse](t, rec).Covered)
	})
}

func TestAPIObjects(t *testing.T) {
	h := newTestAPI(t)

	rec := serve(t, h, http.MethodPost, "/objects", `{"bbox":[1,1,2,2],"tags":{"name":"bench"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[models.ObjectJSON](t, rec)
	require.NotEmpty(t, created.ID)
	require.Equal(t, "bench", created.Tags["name"])

	t.Run("objects are found", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/objects?bbox=0,0,3,3", "")
		require.Equal(t, http.StatusOK, rec.Code)

		res := decode[ObjectsResponse](t, rec)
		require.Len(t, res.Objects, 1)
		require.Equal(t, created.ID, res.Objects[0].ID)
	})

	t.Run("objects are moved", func(t *testing.T) {
		rec := serve(t, h, http.MethodPut, "/objects/"+created.ID, `{"bbox":[5,5,6,6]}`)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, [4]float64{5, 5, 6, 6}, decode[models.ObjectJSON](t, rec).BBox)
	})

	t.Run("moves are undone and redone", func(t *testing.T) {
		rec := serve(t, h, http.MethodPost, "/undo", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.True(t, decode[HistoryResponse](t, rec).Done)

		rec = serve(t, h, http.MethodGet, "/objects?bbox=0,0,3,3", "")
		require.Len(t, decode[ObjectsResponse](t, rec).Objects, 1)

		rec = serve(t, h, http.MethodPost, "/redo", "")
		require.True(t, decode[HistoryResponse](t, rec).Done)

		rec = serve(t, h, http.MethodPost, "/redo", "")
		require.False(t, decode[HistoryResponse](t, rec).Done)
	})

	t.Run("invalid requests are rejected", func(t *testing.T) {
		rec := serve(t, h, http.MethodPost, "/objects", `{"bbox":[1,1,0,0]}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, download.ErrTypeInvalidObject, decode[ErrorResponse](t, rec).Type)

		rec = serve(t, h, http.MethodPost, "/objects", `{`)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		rec = serve(t, h, http.MethodPut, "/objects/42", `{"bbox":[5,5,6,6]}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("objects are deleted", func(t *testing.T) {
		rec := serve(t, h, http.MethodDelete, "/objects/"+created.ID, "")
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = serve(t, h, http.MethodDelete, "/objects/"+created.ID, "")
		require.Equal(t, http.StatusNotFound, rec.Code)
		require.Equal(t, models.ErrTypeObjectNotFound, decode[ErrorResponse](t, rec).Type)
	})

	t.Run("stats", func(t *testing.T) {
		rec := serve(t, h, http.MethodGet, "/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Zero(t, decode[download.Stats](t, rec).Objects)
	})
}

func TestAPIGeoJSON(t *testing.T) {
	h := newTestAPI(t)

	serve(t, h, http.MethodGet, "/missing?bbox=0,0,180,90", "")

	rec := serve(t, h, http.MethodGet, "/coverage.geojson", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/geo+json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "FeatureCollection")
}
