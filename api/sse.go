package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/manlek25/optantes/id"
	"github.com/manlek25/optantes/job"
	"github.com/manlek25/optantes/stream"
)

// events streams job progress as Server-Sent Events. The stream ends
// after the terminal event; clients that reconnect to a finished job
// get the terminal event again and an immediate close. Pings keep the
// connection alive through proxies while the worker waits on the rate
// limiter.
func (s *Server) events(c echo.Context) error {
	jobID, err := s.jobID(c)
	if err != nil {
		return s.fail(c, err, "")
	}
	snap, err := s.engine.Status(jobID)
	if err != nil {
		return s.fail(c, err, "")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	if snap.State.Terminal() {
		writeSSE(res, terminalEvent(snap))
		return nil
	}

	subID := id.NewSubscriberID().String()
	sub := s.broker.Subscribe(subID, stream.JobTopic(jobID.String()))
	defer s.broker.RemoveSubscriber(subID)

	// The job may have finished between the status check and the
	// subscription; its topic is retired then and would stay silent.
	if snap, err := s.engine.Status(jobID); err == nil && snap.State.Terminal() {
		writeSSE(res, terminalEvent(snap))
		return nil
	}

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprint(res, ": ping\n\n")
			res.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			writeSSE(res, evt)
			if evt.Type.Terminal() {
				return nil
			}
		}
	}
}

func writeSSE(res *echo.Response, evt *stream.Event) {
	fmt.Fprintf(res, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
	res.Flush()
}

// terminalEvent synthesizes the final event for late subscribers.
func terminalEvent(snap job.Snapshot) *stream.Event {
	var evtType stream.EventType
	switch snap.State {
	case job.StateDone:
		evtType = stream.EventDone
	case job.StateCanceled:
		evtType = stream.EventCanceled
	default:
		evtType = stream.EventError
	}
	data, _ := json.Marshal(stream.JobEventData{
		JobID:     snap.JobID.String(),
		State:     string(snap.State),
		Processed: snap.Processed,
		Total:     snap.Total,
		HasResult: snap.HasResult,
		Error:     snap.Err,
	})
	return &stream.Event{
		Type:      evtType,
		Timestamp: time.Now().UTC(),
		Topic:     stream.JobTopic(snap.JobID.String()),
		Data:      data,
	}
}
