// Package hitl relays a human's answer back to the agent process that is
// still blocked waiting on it.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ClawScope/ClawScope/internal/fanout"
	"github.com/ClawScope/ClawScope/internal/store"
)

// DeliveryTimeout bounds the entire outbound round trip: dial, write, settle,
// close. A dead agent process can never hang the human's HTTP response longer
// than this.
const DeliveryTimeout = 5 * time.Second

// settleDelay gives the peer time to drain the response before close.
const settleDelay = 200 * time.Millisecond

// Router persists HITL responses and relays them to the originating process.
type Router struct {
	store  *store.Store
	hub    *fanout.Hub
	dialer *websocket.Dialer
}

// NewRouter creates a response router over the given store and fanout hub.
func NewRouter(st *store.Store, hub *fanout.Hub) *Router {
	return &Router{
		store:  st,
		hub:    hub,
		dialer: &websocket.Dialer{HandshakeTimeout: DeliveryTimeout},
	}
}

// Respond handles a human's answer for the event with the given id:
//
//  1. Persist status=responded with the response body and respondedAt. This
//     write is unconditional — the answer must never be lost because live
//     delivery failed.
//  2. If the original request embedded a responseWebSocketUrl, relay the
//     response over a short-lived outbound connection, bounded by
//     DeliveryTimeout. Errors are logged and swallowed, never retried.
//  3. Broadcast the updated event to all dashboard subscribers regardless.
//
// Returns nil if the event id is unknown.
func (r *Router) Respond(ctx context.Context, id int64, response json.RawMessage) (*store.Event, error) {
	ev, err := r.store.UpdateHITLResponse(id, response)
	if err != nil || ev == nil {
		return nil, err
	}

	if req := ev.HITLRequest(); req != nil && req.ResponseWebSocketURL != "" {
		if err := r.deliver(ctx, req.ResponseWebSocketURL, response); err != nil {
			fmt.Printf("⚠️ HITL delivery failed for event %d: %v\n", id, err)
		}
	}

	r.hub.Broadcast(fanout.Message{Type: fanout.TypeEvent, Data: ev})
	return ev, nil
}

// deliver opens a short-lived outbound connection to the waiting process,
// sends the serialized response, waits briefly to allow full transmission,
// then closes. The whole trip shares one hard deadline.
func (r *Router) deliver(ctx context.Context, wsURL string, response json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	conn, _, err := r.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, response); err != nil {
		return fmt.Errorf("write response: %w", err)
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
