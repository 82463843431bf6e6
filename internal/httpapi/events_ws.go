package httpapi

import (
	"log"
	"net/http"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/dicetable/sheetbase/internal/sheets"
)

const eventStreamBuffer = 64

// handleEventsWS streams every change event to the client as one JSON
// message per event. The subscription buffer absorbs bursts; events beyond
// it are dropped for that client rather than blocking the emitting mutation.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	events := make(chan sheets.ChangeEvent, eventStreamBuffer)
	subID := s.store.Bus().Subscribe(func(ev sheets.ChangeEvent) error {
		select {
		case events <- ev:
		default:
			log.Printf("[httpapi] event stream client lagging, dropping %s/%s", ev.SheetName, ev.Key)
		}
		return nil
	})
	defer s.store.Bus().Unsubscribe(subID)

	// No client messages are expected; CloseRead surfaces disconnects
	// through ctx.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}
