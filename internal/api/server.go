package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"GateLens/internal/config"
	"GateLens/internal/model"
	"GateLens/internal/pipeline"
	"GateLens/internal/query"
)

// Server is the HTTP read API. Durable statistics come from the querier; the
// realtime endpoints read the in-memory overlay on top of them.
type Server struct {
	manager *pipeline.Manager
	querier query.Querier
}

// NewServer creates the API server over a running manager.
func NewServer(manager *pipeline.Manager) *Server {
	return &Server{
		manager: manager,
		querier: query.NewSQLiteQuerier(manager.Store().DB()),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/backends", s.handleAddBackend).Methods("POST")
	v1.HandleFunc("/backends/{id}", s.handleRemoveBackend).Methods("DELETE")
	v1.HandleFunc("/backends/{id}/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/backends/{id}/summary", s.handleSummary).Methods("GET")
	v1.HandleFunc("/backends/{id}/stats/{dimension}", s.handleDimension).Methods("GET")
	v1.HandleFunc("/backends/{id}/realtime/{dimension}", s.handleRealtimeDimension).Methods("GET")
	v1.HandleFunc("/backends/{id}/series", s.handleSeries).Methods("GET")
	v1.HandleFunc("/backends/{id}/details", s.handleDetails).Methods("GET")
	v1.HandleFunc("/geoip/{ip}", s.handleGeoIP).Methods("GET")

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}).Methods("GET")

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode API response: %v", err)
	}
}

func (s *Server) handleAddBackend(w http.ResponseWriter, r *http.Request) {
	var def config.BackendDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	def.Enabled = true
	if err := s.manager.AddBackend(def); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": def.ID})
}

func (s *Server) handleRemoveBackend(w http.ResponseWriter, r *http.Request) {
	s.manager.RemoveBackend(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, map[string]interface{}{
		"backend_id":         id,
		"connected":          s.manager.Connected(id),
		"active_connections": s.manager.ActiveConnections(id),
	})
}

// handleSummary returns the durable totals plus the not-yet-flushed overlay
// slice, so the caller sees up-to-the-second numbers.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	durable, err := s.querier.Totals(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	live := s.manager.Overlay().SummaryDelta(id)

	writeJSON(w, map[string]interface{}{
		"backend_id": id,
		"durable":    durable,
		"unflushed":  live,
		"total": model.Summary{
			Upload:      durable.Upload + live.Upload,
			Download:    durable.Download + live.Download,
			Connections: durable.Connections + live.Connections,
		},
		"today": s.manager.Overlay().TodayDelta(id),
	})
}

func (s *Server) handleDimension(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	rows, err := s.querier.Dimension(r.Context(), vars["id"], vars["dimension"], limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleRealtimeDimension(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deltas := s.manager.Overlay().Dimension(vars["id"], vars["dimension"])
	if deltas == nil {
		http.Error(w, "unsupported dimension: "+vars["dimension"], http.StatusBadRequest)
		return
	}
	writeJSON(w, deltas)
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	granularity := q.Get("granularity")
	if granularity == "" {
		granularity = "minute"
	}
	from, to := timeRange(q.Get("from"), q.Get("to"))

	series, err := s.querier.Series(r.Context(), id, granularity, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{
		"backend_id": id,
		"series":     series,
		"unflushed":  s.manager.Overlay().MinuteSeries(id),
	})
}

func (s *Server) handleDetails(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	from, to := timeRange(q.Get("from"), q.Get("to"))

	filters := make(map[string]string)
	for _, key := range []string{"domain", "ip", "source_ip", "chain", "rule"} {
		if v := q.Get(key); v != "" {
			filters[key] = v
		}
	}

	rows, err := s.querier.Details(r.Context(), id, filters, from, to, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleGeoIP(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	rec := s.manager.Geo().Resolve(r.Context(), ip)
	if rec == nil {
		http.Error(w, "geolocation unavailable for "+ip, http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

// timeRange parses unix-second from/to query parameters, defaulting to the
// last 24 hours.
func timeRange(fromStr, toStr string) (time.Time, time.Time) {
	now := time.Now()
	from := now.Add(-24 * time.Hour)
	to := now.Add(time.Minute)

	if v, err := strconv.ParseInt(fromStr, 10, 64); err == nil && v > 0 {
		from = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(toStr, 10, 64); err == nil && v > 0 {
		to = time.Unix(v, 0)
	}
	return from, to
}
