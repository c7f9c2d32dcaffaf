package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	xerrors "Survival-Chain/internal/errors"
)

// keepAliveInterval 是 SSE 心跳间隔。
const keepAliveInterval = 25 * time.Second

// handleEvents 以 server-sent events 推送生命周期事件，直到客户端断开。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, r, xerrors.New(xerrors.CodeInitializationFailure, "事件流未启用"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, xerrors.New(xerrors.CodeUnknown, "响应不支持流式输出"))
		return
	}

	ch, cancel := s.deps.Hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}
