package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"replikv/internal/ctxutil"
	"replikv/internal/metrics"
	"replikv/internal/replica"
	"replikv/internal/statemachine"
	"replikv/internal/wire"
)

var receivedAtKey = ctxutil.NewKey[time.Time]("receivedAt")

// receivedAt stamps each request with its arrival time so handlers can report
// serve latency.
func receivedAt(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ctxutil.Set(r.Context(), receivedAtKey, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func registerRoutes(r chi.Router, rep *replica.Replica, store *statemachine.KVStore, met *metrics.Metrics) {
	r.Get("/healthz", handleHealthz())
	r.Get("/status", handleStatus(rep))
	r.Get("/metrics", handleMetrics(met))
	r.Get("/kv/{key}", handleGetKey(rep, store))
}

func handleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleStatus(rep *replica.Replica) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, rep.Status())
	}
}

func handleMetrics(met *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if met == nil {
			writeJSON(w, r, http.StatusNotFound, map[string]string{"error": "metrics disabled"})
			return
		}
		writeJSON(w, r, http.StatusOK, met.TakeSnapshot())
	}
}

// handleGetKey mirrors the protocol's get semantics: the local store answers
// only on the leader; elsewhere the response names the leader to ask instead.
func handleGetKey(rep *replica.Replica, store *statemachine.KVStore) http.HandlerFunc {
	type response struct {
		Key    string `json:"key"`
		Value  string `json:"value,omitempty"`
		Leader string `json:"leader,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "key")
		status := rep.Status()
		if status.Role != replica.Leader.String() {
			leader := string(status.Leader)
			if leader == wire.Broadcast {
				leader = ""
			}
			writeJSON(w, r, http.StatusMisdirectedRequest, response{Key: key, Leader: leader, Error: "not leader"})
			return
		}
		value, ok := store.Get(key)
		if !ok {
			writeJSON(w, r, http.StatusNotFound, response{Key: key, Error: "not found"})
			return
		}
		writeJSON(w, r, http.StatusOK, response{Key: key, Value: value})
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	if start, ok := ctxutil.Get(r.Context(), receivedAtKey); ok {
		w.Header().Set("X-Serve-Time", time.Since(start).String())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
