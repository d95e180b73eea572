package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/xdplb/pkg/control"
	"github.com/psaab/xdplb/pkg/logging"
	"github.com/psaab/xdplb/pkg/redirect"
	"github.com/psaab/xdplb/pkg/rotation"
)

// defaultSimulateCount is the number of packets simulated without ?count=.
const defaultSimulateCount = rotation.Capacity

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// errorStatus maps control-plane errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, rotation.ErrInvalidBackendSet), errors.Is(err, redirect.ErrPacketCount):
		return http.StatusBadRequest
	case errors.Is(err, rotation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rotation.ErrTableFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, control.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

// portParam parses the {port} path value.
func portParam(r *http.Request) (uint16, error) {
	raw := r.PathValue("port")
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q", raw)
	}
	return uint16(n), nil
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.svc.Status())
}

func (s *Server) statisticsHandler(w http.ResponseWriter, _ *http.Request) {
	st, err := s.svc.Statistics()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, st)
}

func (s *Server) listBackendsHandler(w http.ResponseWriter, _ *http.Request) {
	list, err := s.svc.ListBackends()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, BackendList{Backends: list, Count: len(list)})
}

func (s *Server) getBackendsHandler(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.svc.GetBackends(port)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, b)
}

func (s *Server) setBackendsHandler(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req SetBackendsRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	b, err := s.svc.SetBackends(port, req.Ports, "api")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, b)
}

func (s *Server) deleteBackendsHandler(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.DeleteBackends(port, "api"); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"listen_port": port, "deleted": true})
}

func (s *Server) simulateHandler(w http.ResponseWriter, r *http.Request) {
	port, err := portParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	count := defaultSimulateCount
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid count %q", v))
			return
		}
		count = n
	}
	res, err := s.svc.Simulate(port, count)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, control.SimulationFromResult(res))
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:       rec.Time.Format(time.RFC3339),
		Type:       rec.Type,
		ListenPort: rec.ListenPort,
		Detail:     rec.Detail,
		Source:     rec.Source,
	}
}

// eventsHandler returns recent control-plane events, newest first.
// Supports ?limit=, ?type= and ?port= filters.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	f := logging.EventFilter{Type: q.Get("type")}
	if v := q.Get("port"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid port %q", v))
			return
		}
		f.ListenPort = uint16(n)
	}

	recs := s.svc.Events(limit, f)
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventEntryFromRecord(rec))
	}
	writeOK(w, out)
}
