// Package websocket streams coverage events to WebSocket clients.
package websocket

import (
	"context"
	"sync"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/quadmap/download"
	"golang.org/x/net/websocket"
)

// Sender sends an event to a client. It returns the number of bytes written,
// which is 0 when the event is not relevant to the client.
type Sender func(e download.Event) (int, error)

// Receiver receives a message from a client and returns the number of bytes
// read.
type Receiver func() (int, error)

// Handler represents a coverage stream handler.
type Handler interface {
	// Handles a client connection.
	HandleConnect(conn *websocket.Conn)

	// Handles a client's disconnection.
	HandleDisconnect(error)

	// Returns the events to send to the client. The channel is closed when the
	// event source stops.
	Events() <-chan download.Event

	// Returns the function that receives client messages.
	Receiver() Receiver

	// Returns the function that sends events to the client.
	Sender() Sender

	// Returns the id that identifies the client.
	GetClientID() string

	// Releases the handler resources.
	Close()
}

// Handle streams events to a WebSocket connection until the client
// disconnects or ctx is canceled.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The stream handler.
	Handler Handler

	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Handler.HandleConnect(h.Conn)

	h.disconnectChan = make(chan error, 1)
	h.sender = h.Handler.Sender()
	h.receiver = h.Handler.Receiver()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	events := h.Handler.Events()

	var err error
	for err == nil {
		select {
		case <-ctx.Done():
			err = ctx.Err()

		case e, ok := <-events:
			if !ok {
				err = errors.New("event stream closed")
				continue
			}

			if _, sendErr := h.sender(e); sendErr != nil {
				err = errors.New("sending event failed").Wrap(sendErr)
			}

		case err = <-h.disconnectChan:
		}
	}

	h.Handler.HandleDisconnect(err)

	cancel()
	h.Conn.Close()
	wg.Wait()
}

func (h *handler) startReceiving(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		default:
			if _, err := h.receiver(); err != nil {
				h.disconnect(errors.New("receiving message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) disconnect(err error) {
	select {
	case h.disconnectChan <- err:
	default:
	}
}
