package api

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/labstack/echo/v4"

	"github.com/manlek25/optantes/id"
	"github.com/manlek25/optantes/stream"
)

// websocket pushes the same event stream as the SSE endpoint over a
// WebSocket. The server writes JSON text frames and pings on the
// keepalive interval; it closes the connection after the terminal
// event. The client side is read-only, inbound frames are consumed
// only to notice disconnects.
func (s *Server) websocket(c echo.Context) error {
	jobID, err := s.jobID(c)
	if err != nil {
		return s.fail(c, err, "")
	}
	snap, err := s.engine.Status(jobID)
	if err != nil {
		return s.fail(c, err, "")
	}

	conn, _, _, err := ws.UpgradeHTTP(c.Request(), c.Response())
	if err != nil {
		return fmt.Errorf("api: websocket upgrade: %w", err)
	}
	defer conn.Close()

	if snap.State.Terminal() {
		writeWSEvent(conn, terminalEvent(snap))
		return nil
	}

	subID := id.NewSubscriberID().String()
	sub := s.broker.Subscribe(subID, stream.JobTopic(jobID.String()))
	defer s.broker.RemoveSubscriber(subID)

	if snap, err := s.engine.Status(jobID); err == nil && snap.State.Terminal() {
		writeWSEvent(conn, terminalEvent(snap))
		return nil
	}

	// Reader side: surface client disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case <-ticker.C:
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return nil
			}
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := writeWSEvent(conn, evt); err != nil {
				return nil
			}
			if evt.Type.Terminal() {
				return nil
			}
		}
	}
}

func writeWSEvent(w io.Writer, evt *stream.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(w, data)
}
