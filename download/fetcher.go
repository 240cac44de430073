package download

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/aukilabs/quadmap/models"
	"github.com/segmentio/encoding/json"
)

const (
	ErrTypeFetch    = "fetch_failed"
	ErrTypeResponse = "fetch_invalid_response"
)

// Fetcher downloads the objects inside a rectangle.
type Fetcher interface {
	Fetch(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error)
}

// FetcherFunc is a function that implements Fetcher.
type FetcherFunc func(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error)

func (f FetcherFunc) Fetch(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error) {
	return f(ctx, rect)
}

// FetchResponse is the body returned by a map data endpoint.
type FetchResponse struct {
	Objects []models.ObjectJSON `json:"objects"`
}

// HTTPFetcher fetches objects from a map data endpoint with a
// GET <endpoint>?bbox=<min lon>,<min lat>,<max lon>,<max lat> request.
type HTTPFetcher struct {
	Endpoint  string
	UserAgent string
	Transport http.RoundTripper
}

func (f HTTPFetcher) Fetch(ctx context.Context, rect geometry.Rect) ([]models.ObjectJSON, error) {
	u, err := url.Parse(f.Endpoint)
	if err != nil {
		return nil, errors.New("invalid fetch endpoint").
			WithType(ErrTypeFetch).
			WithTag("endpoint", f.Endpoint).
			Wrap(err)
	}

	q := u.Query()
	q.Set("bbox", geometry.FormatBBox(rect))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.New("creating fetch request failed").
			WithType(ErrTypeFetch).
			Wrap(err)
	}
	req.Header.Set("Accept", "application/json")
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := http.Client{Transport: f.Transport}
	res, err := client.Do(req)
	if err != nil {
		return nil, errors.New("fetch request failed").
			WithType(ErrTypeFetch).
			WithTag("bbox", geometry.FormatBBox(rect)).
			Wrap(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, errors.New("unexpected fetch response status").
			WithType(ErrTypeResponse).
			WithTag("status", res.StatusCode).
			WithTag("body", string(body))
	}

	var body FetchResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errors.New("decoding fetch response failed").
			WithType(ErrTypeResponse).
			Wrap(err)
	}
	return body.Objects, nil
}
