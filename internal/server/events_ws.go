/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/vidar_player/internal/events"
	"github.com/friendsincode/vidar_player/internal/telemetry"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams bus events to the client as JSON frames. The
// feed is one-way; client frames are drained and ignored so pings and
// closes are still processed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIActiveConnections.Inc()
	defer telemetry.APIActiveConnections.Dec()

	sub := s.bus.SubscribeAll(
		events.EventStatus,
		events.EventNowPlaying,
		events.EventQueue,
		events.EventCountdown,
		events.EventSilence,
		events.EventTrigger,
		events.EventAfk,
		events.EventProgress,
		events.EventBacklog,
	)
	defer s.bus.Unsubscribe(sub)

	ctx := r.Context()
	s.logger.Debug().Msg("event feed connected")

	// Reader goroutine: surfaces client-side close as context cancel.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	// Initial frame so the client renders without waiting for activity.
	snapshot := s.orch.Snapshot()
	if err := writeEvent(readCtx, conn, map[string]any{"event": "snapshot", "status": snapshot}); err != nil {
		return
	}

	for {
		select {
		case <-readCtx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case payload, ok := <-sub:
			if !ok {
				conn.Close(ws.StatusNormalClosure, "")
				return
			}
			if err := writeEvent(readCtx, conn, payload); err != nil {
				s.logger.Debug().Err(err).Msg("event feed write failed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *ws.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, ws.MessageText, data)
}
