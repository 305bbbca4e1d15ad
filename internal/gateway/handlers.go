package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/nextlevelbuilder/chatweave/internal/bus"
	"github.com/nextlevelbuilder/chatweave/internal/thread"
)

const maxBodyBytes = 1 << 20

type ingestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// handleEvents ingests one event or a JSON array of events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var events []bus.Event
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &events)
	} else {
		var single bus.Event
		err = json.Unmarshal(trimmed, &single)
		events = []bus.Event{single}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse events: "+err.Error())
		return
	}

	var res ingestResult
	for _, ev := range events {
		if ev.ID == "" || ev.ChannelID == "" {
			res.Rejected++
			continue
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		// Event IDs are only unique per channel per sender on some platforms.
		if s.dedupe != nil && s.dedupe.IsDuplicate(ev.ChannelID+"/"+ev.SenderID+"/"+ev.ID) {
			res.Duplicates++
			continue
		}
		if !s.ingest(ev) {
			res.Rejected++
			continue
		}
		res.Accepted++
	}

	writeJSON(w, http.StatusAccepted, res)
}

// handleContext returns the current context payload for a channel.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "missing channel")
		return
	}
	writeJSON(w, http.StatusOK, s.engine.BuildContext(channel))
}

// handleResponded is the responder's post-reply callback. The body is the
// agent's reply message; an empty body records involvement without a reply
// message.
func (s *Server) handleResponded(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	if threadID == "" {
		writeError(w, http.StatusBadRequest, "missing thread")
		return
	}

	var reply thread.Message
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			writeError(w, http.StatusBadRequest, "parse reply: "+err.Error())
			return
		}
	}
	if reply.Timestamp.IsZero() {
		reply.Timestamp = time.Now()
	}

	if !s.engine.NotifyResponded(threadID, reply) {
		writeError(w, http.StatusNotFound, "unknown thread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleThreads lists a channel's open threads.
func (s *Server) handleThreads(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "missing channel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": channel,
		"threads":    s.engine.Threads(channel),
	})
}

// handleStats returns engine counters.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
