package websocket

import (
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	httpcmn "github.com/aukilabs/hagall-common/http"
	"github.com/aukilabs/quadmap/download"
	"github.com/aukilabs/quadmap/geometry"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	ErrTypeInvalidFilter = "invalid_stream_filter"

	defaultBufferSize = 256
	maxFilterSize     = 1024
)

// Subscriber is a source of coverage events.
type Subscriber interface {
	Subscribe(size int) (uint32, <-chan download.Event)
	Unsubscribe(id uint32)
}

// FilterRequest is the message a client sends to only receive the events of
// an area. The bounding box is [min lon, min lat, max lon, max lat].
type FilterRequest struct {
	BBox [4]float64 `json:"bbox"`
}

// StreamHandler sends the coverage events of a subscriber to a client.
// Clients can restrict the events to an area with a bbox query parameter or a
// FilterRequest message. Discard events are always sent.
type StreamHandler struct {
	Subscriber Subscriber

	// The number of events buffered for the client before events are dropped.
	BufferSize int

	conn           *websocket.Conn
	clientID       string
	subscriptionID uint32
	events         <-chan download.Event

	filterMutex sync.RWMutex
	filter      *geometry.Rect
}

func (h *StreamHandler) HandleConnect(conn *websocket.Conn) {
	h.conn = conn

	req := conn.Request()
	h.clientID = req.Header.Get(httpcmn.HeaderPosemeshClientID)
	if h.clientID == "" {
		h.clientID = uuid.NewString()
	}

	if bbox := req.URL.Query().Get("bbox"); bbox != "" {
		if rect, err := geometry.ParseBBox(bbox); err == nil {
			h.setFilter(rect)
		}
	}

	size := h.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	h.subscriptionID, h.events = h.Subscriber.Subscribe(size)
}

func (h *StreamHandler) HandleDisconnect(err error) {
}

func (h *StreamHandler) Events() <-chan download.Event {
	return h.events
}

func (h *StreamHandler) Receiver() Receiver {
	return func() (int, error) {
		var b []byte
		if err := websocket.Message.Receive(h.conn, &b); err != nil {
			return 0, err
		}
		if len(b) > maxFilterSize {
			return len(b), errors.New("filter message is too large").
				WithType(ErrTypeInvalidFilter).
				WithTag("size", len(b))
		}

		var req FilterRequest
		if err := json.Unmarshal(b, &req); err != nil {
			return len(b), errors.New("decoding filter failed").
				WithType(ErrTypeInvalidFilter).
				Wrap(err)
		}

		rect := geometry.NewRect(req.BBox[0], req.BBox[1], req.BBox[2]-req.BBox[0], req.BBox[3]-req.BBox[1])
		if !rect.Valid() {
			return len(b), errors.New("invalid filter bounding box").
				WithType(ErrTypeInvalidFilter).
				WithTag("bbox", req.BBox)
		}

		h.setFilter(rect)
		return len(b), nil
	}
}

func (h *StreamHandler) Sender() Sender {
	return func(e download.Event) (int, error) {
		if !h.accept(e) {
			return 0, nil
		}

		b, err := json.Marshal(e)
		if err != nil {
			return 0, errors.New("encoding event failed").Wrap(err)
		}

		if err := websocket.Message.Send(h.conn, string(b)); err != nil {
			return 0, err
		}
		return len(b), nil
	}
}

func (h *StreamHandler) GetClientID() string {
	return h.clientID
}

// Close unsubscribes the client from the event source.
func (h *StreamHandler) Close() {
	if h.events != nil {
		h.Subscriber.Unsubscribe(h.subscriptionID)
		h.events = nil
	}
}

func (h *StreamHandler) setFilter(rect geometry.Rect) {
	h.filterMutex.Lock()
	defer h.filterMutex.Unlock()

	h.filter = &rect
}

func (h *StreamHandler) accept(e download.Event) bool {
	if e.Type == download.EventDiscarded {
		return true
	}

	h.filterMutex.RLock()
	defer h.filterMutex.RUnlock()

	if h.filter == nil {
		return true
	}

	rect := geometry.NewRect(e.BBox[0], e.BBox[1], e.BBox[2]-e.BBox[0], e.BBox[3]-e.BBox[1])
	return h.filter.Intersects(rect)
}
