package queue

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/trailbound/kapp/pkg/log"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Name}} queue</title></head>
<body>
<h1>{{.Name}}</h1>
<p>{{if .Stats.Paused}}PAUSED{{else}}running{{end}}</p>
<table border="1" cellpadding="4">
<tr><th>waiting</th><th>active</th><th>completed</th><th>failed</th></tr>
<tr><td>{{.Stats.Waiting}}</td><td>{{.Stats.Active}}</td><td>{{.Stats.Completed}}</td><td>{{.Stats.Failed}}</td></tr>
</table>
<h2>Recent failures</h2>
<table border="1" cellpadding="4">
<tr><th>job</th><th>worker</th><th>error</th></tr>
{{range .Failed}}<tr><td>{{.ID}}</td><td>{{.WorkerID}}</td><td>{{.Error}}</td></tr>
{{end}}</table>
</body>
</html>
`))

// Dashboard returns the operator HTTP surface for the queue: an HTML
// overview at /, JSON stats and job listings, and POST controls.
func (q *Queue) Dashboard() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", q.handleOverview).Methods("GET")
	r.HandleFunc("/stats", q.handleStats).Methods("GET")
	r.HandleFunc("/jobs/{state}", q.handleJobs).Methods("GET")
	r.HandleFunc("/pause", q.control(q.Pause)).Methods("POST")
	r.HandleFunc("/resume", q.control(q.Resume)).Methods("POST")
	r.HandleFunc("/clear-completed", q.controlCount(q.ClearCompleted)).Methods("POST")
	r.HandleFunc("/clear-failed", q.controlCount(q.ClearFailed)).Methods("POST")
	r.HandleFunc("/retry-failed", q.controlCount(q.RetryFailed)).Methods("POST")
	return r
}

func (q *Queue) handleOverview(w http.ResponseWriter, r *http.Request) {
	stats, err := q.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	failed, err := q.RecentJobs(r.Context(), StateFailed, 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = dashboardTmpl.Execute(w, struct {
		Name   string
		Stats  interface{}
		Failed []*Job
	}{QueueName, stats, failed})
	if err != nil {
		logger := log.WithComponent("queue")
		logger.Error().Err(err).Msg("Failed to render dashboard")
	}
}

func (q *Queue) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := q.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (q *Queue) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := q.RecentJobs(r.Context(), mux.Vars(r)["state"], 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, jobs)
}

func (q *Queue) control(op func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (q *Queue) controlCount(op func(ctx context.Context) (int64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := op(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int64{"affected": n})
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("queue")
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}
