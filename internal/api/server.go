// Package api serves the collector over HTTP: capture triggers, the
// recorded collections, labels and the attempt history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/calibration.collector/internal/collector"
	"github.com/banshee-data/calibration.collector/internal/dataset"
	"github.com/banshee-data/calibration.collector/internal/db"
	"github.com/banshee-data/calibration.collector/internal/httputil"
	"github.com/banshee-data/calibration.collector/internal/kinematics"
	"github.com/banshee-data/calibration.collector/internal/labeler"
	"github.com/banshee-data/calibration.collector/internal/monitoring"
	"github.com/banshee-data/calibration.collector/internal/security"
	"github.com/banshee-data/calibration.collector/internal/sensor"
	"github.com/banshee-data/calibration.collector/internal/tf"
)

// ANSI escape codes used by LoggingMiddleware
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultAttemptLimit bounds /api/attempts when no limit is given.
const DefaultAttemptLimit = 100

// Capturer takes one collection.
type Capturer interface {
	Capture(ctx context.Context) (collector.Result, error)
}

// AttemptLister reads the capture journal.
type AttemptLister interface {
	Attempts(ctx context.Context, runID string, limit int) ([]db.AttemptRecord, error)
	OutcomeCounts(ctx context.Context, runID string) (map[collector.Outcome]int, error)
}

// Options wires a Server. Attempts and Transforms are optional.
type Options struct {
	Collector  Capturer
	Store      *dataset.Store
	Labelers   map[string]*labeler.Labeler
	Edges      []kinematics.Edge
	Transforms tf.Client
	Attempts   AttemptLister
	RunID      string
	// MaxDurationBetweenMsgs is drawn as the threshold on the skew chart.
	MaxDurationBetweenMsgs time.Duration
}

type Server struct {
	opts Options
}

func NewServer(opts Options) (*Server, error) {
	if opts.Collector == nil {
		return nil, errors.New("api: collector is required")
	}
	if opts.Store == nil {
		return nil, errors.New("api: store is required")
	}
	return &Server{opts: opts}, nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/capture", s.handleCapture)
	mux.HandleFunc("/api/collections", s.listCollections)
	mux.HandleFunc("/api/collections/", s.handleCollection)
	mux.HandleFunc("/api/dataset", s.showDataset)
	mux.HandleFunc("/api/sensors", s.listSensors)
	mux.HandleFunc("/api/sensors/", s.handleSensorLabels)
	mux.HandleFunc("/api/transforms", s.showTransforms)
	mux.HandleFunc("/api/attempts", s.listAttempts)
	mux.HandleFunc("/api/attempts/summary", s.summarizeAttempts)
	mux.HandleFunc("/api/charts/skew", s.handleSkewChart)
	return mux
}

// CaptureResponse is the body of POST /api/capture.
type CaptureResponse struct {
	Result collector.Result `json:"result"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	res, err := s.opts.Collector.Capture(r.Context())
	resp := CaptureResponse{Result: res}
	status := http.StatusCreated
	switch {
	case err != nil:
		// An accepted collection whose document failed to save is
		// still reported with its stamp.
		resp.Error = err.Error()
		status = http.StatusInternalServerError
	case res.Outcome == collector.Rejected:
		resp.Error = res.Reason
		status = http.StatusConflict
	}
	httputil.WriteJSON(w, status, resp)
}

// CollectionSummary describes one collection without its payloads.
type CollectionSummary struct {
	Stamp    int             `json:"stamp"`
	Sensors  []string        `json:"sensors"`
	Detected map[string]bool `json:"detected"`
	Files    []string        `json:"files,omitempty"`
}

func summarize(c *dataset.Collection) CollectionSummary {
	sum := CollectionSummary{
		Stamp:    c.Stamp,
		Sensors:  make([]string, 0, len(c.Data)),
		Detected: make(map[string]bool, len(c.Labels)),
	}
	for name, d := range c.Data {
		sum.Sensors = append(sum.Sensors, name)
		if ref, ok := d.(*dataset.ImageRef); ok {
			sum.Files = append(sum.Files, ref.DataFile)
		}
	}
	for name, l := range c.Labels {
		sum.Detected[name] = l.Detected
	}
	sort.Strings(sum.Sensors)
	sort.Strings(sum.Files)
	return sum
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	cols := s.opts.Store.Collections()
	out := make([]CollectionSummary, len(cols))
	for i, c := range cols {
		out[i] = summarize(c)
	}
	httputil.WriteJSONOK(w, out)
}

// handleCollection serves /api/collections/<stamp> and
// /api/collections/<stamp>/files/<name>.
func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/collections/"), "/")
	stamp, err := strconv.Atoi(parts[0])
	if err != nil || stamp < 0 {
		httputil.BadRequest(w, fmt.Sprintf("invalid stamp %q", parts[0]))
		return
	}
	c, ok := s.opts.Store.Collection(stamp)
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("no collection with stamp %d", stamp))
		return
	}

	switch {
	case len(parts) == 1:
		httputil.WriteJSONOK(w, c)
	case len(parts) == 3 && parts[1] == "files":
		s.serveCollectionFile(w, r, c, parts[2])
	default:
		httputil.NotFound(w, "not found")
	}
}

func (s *Server) serveCollectionFile(w http.ResponseWriter, r *http.Request, c *dataset.Collection, name string) {
	if err := security.ValidateFileName(name); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if !collectionHasFile(c, name) {
		httputil.NotFound(w, fmt.Sprintf("collection %d has no file %s", c.Stamp, name))
		return
	}

	path := filepath.Join(s.opts.Store.Dir(), name)
	if err := security.ValidatePathWithinDirectory(path, s.opts.Store.Dir()); err != nil {
		monitoring.Warnf("refusing to serve %s: %v", path, err)
		httputil.BadRequest(w, "invalid file path")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func collectionHasFile(c *dataset.Collection, name string) bool {
	for _, d := range c.Data {
		if ref, ok := d.(*dataset.ImageRef); ok && ref.DataFile == name {
			return true
		}
	}
	return false
}

func (s *Server) showDataset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	data, err := s.opts.Store.Encode()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("encode dataset: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", dataset.DocumentName))
	_, _ = w.Write(data)
}

// SensorStatus pairs a registered sensor with its labeler's state.
type SensorStatus struct {
	Descriptor *sensor.Descriptor `json:"descriptor"`
	Labeler    *labeler.Snapshot  `json:"labeler,omitempty"`
}

func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	descs := s.opts.Store.Sensors()
	names := make([]string, 0, len(descs))
	for name := range descs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SensorStatus, 0, len(names))
	for _, name := range names {
		st := SensorStatus{Descriptor: descs[name]}
		if l, ok := s.opts.Labelers[name]; ok {
			snap := l.Snapshot()
			st.Labeler = &snap
		}
		out = append(out, st)
	}
	httputil.WriteJSONOK(w, out)
}

// handleSensorLabels serves GET and PUT /api/sensors/<name>/labels.
func (s *Server) handleSensorLabels(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/sensors/"), "/")
	if len(parts) != 2 || parts[1] != "labels" {
		httputil.NotFound(w, "not found")
		return
	}
	l, ok := s.opts.Labelers[parts[0]]
	if !ok {
		httputil.NotFound(w, fmt.Sprintf("unknown sensor %q", parts[0]))
		return
	}

	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, l.Snapshot().Labels)
	case http.MethodPut:
		var labels sensor.Labels
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&labels); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid labels: %v", err))
			return
		}
		l.SetLabels(labels)
		httputil.WriteJSONOK(w, l.Snapshot().Labels)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// TransformsResponse lists the current value of every discovered edge.
// Edges that cannot be resolved right now are reported in Errors.
type TransformsResponse struct {
	Transforms map[string]dataset.Transform `json:"transforms"`
	Errors     map[string]string            `json:"errors,omitempty"`
}

func (s *Server) showTransforms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Transforms == nil {
		httputil.NotFound(w, "no transform source configured")
		return
	}

	resp := TransformsResponse{Transforms: make(map[string]dataset.Transform, len(s.opts.Edges))}
	for _, e := range s.opts.Edges {
		t, err := s.opts.Transforms.LookupTransform(e.Parent, e.Child, time.Time{})
		if err != nil {
			if resp.Errors == nil {
				resp.Errors = make(map[string]string)
			}
			resp.Errors[e.Key] = err.Error()
			continue
		}
		resp.Transforms[e.Key] = dataset.NewTransform(e.Parent, e.Child, t)
	}
	httputil.WriteJSONOK(w, resp)
}

// listAttempts serves the capture journal. ?run=all lists every run,
// otherwise only the current one.
func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	records, ok := s.attempts(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, records)
}

func (s *Server) attempts(w http.ResponseWriter, r *http.Request) ([]db.AttemptRecord, bool) {
	if s.opts.Attempts == nil {
		httputil.NotFound(w, "capture journal is disabled")
		return nil, false
	}

	limit := DefaultAttemptLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return nil, false
		}
		limit = v
	}
	records, err := s.opts.Attempts.Attempts(r.Context(), s.runFilter(r), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve attempts: %v", err))
		return nil, false
	}
	return records, true
}

// runFilter selects the current run unless the query asks for run=all.
func (s *Server) runFilter(r *http.Request) string {
	if r.URL.Query().Get("run") == "all" {
		return ""
	}
	return s.opts.RunID
}

// AttemptSummary counts journal entries per outcome. An empty RunID covers
// every run.
type AttemptSummary struct {
	RunID  string                    `json:"run_id"`
	Counts map[collector.Outcome]int `json:"counts"`
}

func (s *Server) summarizeAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.opts.Attempts == nil {
		httputil.NotFound(w, "capture journal is disabled")
		return
	}
	runID := s.runFilter(r)
	counts, err := s.opts.Attempts.OutcomeCounts(r.Context(), runID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to count attempts: %v", err))
		return
	}
	httputil.WriteJSONOK(w, AttemptSummary{RunID: runID, Counts: counts})
}
