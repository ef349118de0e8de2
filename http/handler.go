// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package http serves the engine over HTTP.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime"
	"net"
	"net/http"
	_ "net/http/pprof" // Imported for its side-effect of registering pprof endpoints with the server.
	"net/url"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/replication"
	"github.com/featurebasedb/ivm/state"
	"github.com/featurebasedb/ivm/tracing"
	"github.com/felixge/fgprof"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler represents an HTTP handler.
type Handler struct {
	Handler http.Handler

	logger logger.Logger

	// Keeps the query argument validators for each handler
	validators map[string]*queryValidationSpec

	engine *ivm.Engine

	ln net.Listener

	closeTimeout  time.Duration
	longQueryTime time.Duration

	server *http.Server
}

// handlerOption is a functional option type for Handler
type handlerOption func(s *Handler) error

func OptHandlerAllowedOrigins(origins []string) handlerOption {
	return func(h *Handler) error {
		h.Handler = handlers.CORS(
			handlers.AllowedOrigins(origins),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h.Handler)
		return nil
	}
}

func OptHandlerEngine(e *ivm.Engine) handlerOption {
	return func(h *Handler) error {
		h.engine = e
		return nil
	}
}

func OptHandlerLogger(logger logger.Logger) handlerOption {
	return func(h *Handler) error {
		h.logger = logger
		return nil
	}
}

func OptHandlerListener(ln net.Listener) handlerOption {
	return func(h *Handler) error {
		h.ln = ln
		return nil
	}
}

// OptHandlerCloseTimeout controls how long to wait for the http Server to
// shutdown cleanly before forcibly destroying it. Default is 30 seconds.
func OptHandlerCloseTimeout(d time.Duration) handlerOption {
	return func(h *Handler) error {
		h.closeTimeout = d
		return nil
	}
}

// OptHandlerLongQueryTime logs requests that take longer than d.
func OptHandlerLongQueryTime(d time.Duration) handlerOption {
	return func(h *Handler) error {
		h.longQueryTime = d
		return nil
	}
}

// NewHandler returns a new instance of Handler with a default logger.
func NewHandler(opts ...handlerOption) (*Handler, error) {
	handler := &Handler{
		logger:       logger.NopLogger,
		closeTimeout: time.Second * 30,
	}
	handler.Handler = newRouter(handler)
	handler.populateValidators()

	for _, opt := range opts {
		err := opt(handler)
		if err != nil {
			return nil, errors.Wrap(err, "applying option")
		}
	}

	if handler.engine == nil {
		return nil, errors.Errorf("must pass OptHandlerEngine")
	}

	if handler.ln == nil {
		return nil, errors.Errorf("must pass OptHandlerListener")
	}

	handler.server = &http.Server{Handler: handler}

	return handler, nil
}

func (h *Handler) Serve() error {
	err := h.server.Serve(h.ln)
	if err != nil && err != http.ErrServerClosed {
		h.logger.Printf("HTTP handler terminated with error: %s\n", err)
		return errors.Wrap(err, "serve http")
	}
	return nil
}

// Close tries to cleanly shutdown the HTTP server, and failing that, after a
// timeout, calls Server.Close.
func (h *Handler) Close() error {
	deadlineCtx, cancelFunc := context.WithDeadline(context.Background(), time.Now().Add(h.closeTimeout))
	defer cancelFunc()
	err := h.server.Shutdown(deadlineCtx)
	if err != nil {
		err = h.server.Close()
	}
	return errors.Wrap(err, "shutdown/close http server")
}

func (h *Handler) populateValidators() {
	h.validators = map[string]*queryValidationSpec{}
	h.validators["Health"] = queryValidationSpecRequired()
	h.validators["GetVersion"] = queryValidationSpecRequired()
	h.validators["GetViews"] = queryValidationSpecRequired()
	h.validators["GetLookup"] = queryValidationSpecRequired("key").Optional("offset")
	h.validators["PostMigrate"] = queryValidationSpecRequired()
	h.validators["PostIngest"] = queryValidationSpecRequired()
	h.validators["GetGraphviz"] = queryValidationSpecRequired().Optional("detailed")
	h.validators["GetStats"] = queryValidationSpecRequired()
	h.validators["PostEvict"] = queryValidationSpecRequired().Optional("view")
}

func (h *Handler) queryArgValidator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := mux.CurrentRoute(r).GetName()

		if validator, ok := h.validators[key]; ok {
			if err := validator.validate(r.URL.Query()); err != nil {
				errText := err.Error()
				if validHeaderAcceptJSON(r.Header) {
					response := errorResponse{Error: errText}
					data, err := json.Marshal(response)
					if err != nil {
						h.logger.Printf("failed to encode error %q as JSON: %v", errText, err)
					} else {
						errText = string(data)
					}
				}
				http.Error(w, errText, http.StatusBadRequest)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) extractTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		span, ctx := tracing.GlobalTracer.ExtractHTTPHeaders(r)
		defer span.Finish()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) collectStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		next.ServeHTTP(w, r)
		dur := time.Since(t)

		if h.longQueryTime > 0 && dur > h.longQueryTime {
			h.logger.Printf("%s %s?%s %v", r.Method, r.URL.Path, logger.Sensitive(r.URL.RawQuery), dur)
		}

		path, err := mux.CurrentRoute(r).GetPathTemplate()
		if err != nil {
			path = "unknown"
		}
		HistogramHTTPRequestDuration.WithLabelValues(path, r.Method).Observe(dur.Seconds())
	})
}

// newRouter creates a new mux http router.
func newRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", handler.handleHome).Methods("GET").Name("Home")
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux).Methods("GET")
	router.PathPrefix("/debug/fgprof").Handler(fgprof.Handler()).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/health", handler.handleGetHealth).Methods("GET").Name("Health")
	router.HandleFunc("/version", handler.handleGetVersion).Methods("GET").Name("GetVersion")
	router.HandleFunc("/views", handler.handleGetViews).Methods("GET").Name("GetViews")
	router.HandleFunc("/lookup/{view}", handler.handleGetLookup).Methods("GET").Name("GetLookup")
	router.HandleFunc("/migrate", handler.handlePostMigrate).Methods("POST").Name("PostMigrate")
	router.HandleFunc("/ingest", handler.handlePostIngest).Methods("POST").Name("PostIngest")
	router.HandleFunc("/debug/graphviz", handler.handleGetGraphviz).Methods("GET").Name("GetGraphviz")
	router.HandleFunc("/debug/stats", handler.handleGetStats).Methods("GET").Name("GetStats")
	router.HandleFunc("/debug/evict", handler.handlePostEvict).Methods("POST").Name("PostEvict")

	router.Use(handler.queryArgValidator)
	router.Use(handler.extractTracing)
	router.Use(handler.collectStats)
	return router
}

// ServeHTTP handles an HTTP request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if err := recover(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			stack := debug.Stack()
			msg := "PANIC: %s\n%s"
			h.logger.Printf(msg, err, stack)
			fmt.Fprintf(w, msg, err, stack)
		}
	}()

	h.Handler.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

// statusCode maps an engine error to the HTTP status reported for it.
func statusCode(err error) int {
	switch errors.CodeOf(err) {
	case ivm.ErrUnknownView, dataflow.ErrUnknownNode, dataflow.ErrUnknownDomain:
		return http.StatusNotFound
	case ivm.ErrInvalidKey,
		replication.ErrInvalidEvent,
		offset.ErrOffsetRegression, offset.ErrInvalidOffset, offset.ErrInvalidShard,
		keys.ErrInvalidValue, keys.ErrInvalidOp, keys.ErrInvalidRange,
		dataflow.ErrInvalidNode, dataflow.ErrUnsupported, dataflow.ErrNotReader,
		state.ErrEvictFullState:
		return http.StatusBadRequest
	case dataflow.ErrDuplicateNode, dataflow.ErrNodeHasChildren:
		return http.StatusConflict
	case ivm.ErrEngineClosed, dataflow.ErrRuntimeClosed:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError sends err as a coded JSON error.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Errorf("request failed: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := io.WriteString(w, errors.MarshalJSON(err)+"\n"); err != nil {
		h.logger.Printf("error writing error response: %v", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Printf("error writing response: %v", err)
	}
}

func (h *Handler) handleHome(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "Welcome. ivm is running.", http.StatusNotFound)
}

// validHeaderAcceptJSON returns false if one or more Accept
// headers are present, but none of them are "application/json"
// (or any matching wildcard). Otherwise returns true.
func validHeaderAcceptJSON(header http.Header) bool {
	v, found := header["Accept"]
	if !found {
		return true
	}
	for _, v := range v {
		t, _, err := mime.ParseMediaType(v)
		if err != nil && err != mime.ErrInvalidMediaParameter {
			continue
		}
		switch t {
		case "application/json", "application/*", "*/*":
			return true
		}
	}
	return false
}

type healthResponse struct {
	State   string        `json:"state"`
	ID      string        `json:"id"`
	Version string        `json:"version"`
	Offset  offset.Offset `json:"offset"`
}

func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	h.writeJSON(w, http.StatusOK, healthResponse{
		State:   "NORMAL",
		ID:      h.engine.ID(),
		Version: ivm.Version,
		Offset:  h.engine.LastOffset(),
	})
}

func (h *Handler) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	if !validHeaderAcceptJSON(r.Header) {
		http.Error(w, "JSON only acceptable response", http.StatusNotAcceptable)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Version string `json:"version"`
	}{
		Version: ivm.Version,
	})
}

// ViewInfo describes a view.
type ViewInfo struct {
	Name    string        `json:"name"`
	Domain  int           `json:"domain"`
	Key     []string      `json:"key"`
	Columns []string      `json:"columns"`
	Partial bool          `json:"partial"`
	Offset  offset.Offset `json:"offset"`
}

func (h *Handler) handleGetViews(w http.ResponseWriter, r *http.Request) {
	views := h.engine.Runtime().Views()
	out := make([]ViewInfo, 0, len(views))
	for _, v := range views {
		info := ViewInfo{
			Name:    v.Name,
			Domain:  int(v.Domain),
			Columns: v.Columns,
			Partial: v.Partial,
			Offset:  v.Handle.Snapshot().Offset(),
		}
		for _, c := range v.Key {
			info.Key = append(info.Key, v.Columns[c])
		}
		out = append(out, info)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// ParseKey reads a key from repeated query values, one per key column.
// Each value is decoded as JSON; anything that is not valid JSON is taken
// as text.
func ParseKey(vals []string) (keys.Key, error) {
	k := make(keys.Key, len(vals))
	for i, s := range vals {
		dec := json.NewDecoder(bytes.NewReader([]byte(s)))
		dec.UseNumber()
		var raw interface{}
		if err := dec.Decode(&raw); err != nil || dec.More() {
			k[i] = keys.Text(s)
			continue
		}
		v, err := keys.FromInterface(raw)
		if err != nil {
			return nil, err
		}
		k[i] = v
	}
	return k, nil
}

// EncodeKey is the inverse of ParseKey.
func EncodeKey(q url.Values, k keys.Key) error {
	for _, v := range k {
		buf, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "encoding key")
		}
		q.Add("key", string(buf))
	}
	return nil
}

func (h *Handler) handleGetLookup(w http.ResponseWriter, r *http.Request) {
	view := mux.Vars(r)["view"]
	q := r.URL.Query()
	k, err := ParseKey(q["key"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	minOffset, err := offset.Parse(q.Get("offset"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.engine.Lookup(r.Context(), view, k, minOffset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	switch res.Status {
	case ivm.LookupStale:
		h.writeJSON(w, http.StatusConflict, res)
	case ivm.LookupMiss:
		secs := int(math.Ceil(res.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.writeJSON(w, http.StatusServiceUnavailable, res)
	default:
		h.writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handler) handlePostMigrate(w http.ResponseWriter, r *http.Request) {
	var diff dataflow.Diff
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&diff); err != nil {
		h.writeError(w, errors.New(dataflow.ErrInvalidNode, fmt.Sprintf("decoding migration: %v", err)))
		return
	}
	ack, err := h.engine.Migrate(r.Context(), diff)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ack)
}

// IngestResponse reports how far an ingest request got.
type IngestResponse struct {
	Applied int           `json:"applied"`
	Offset  offset.Offset `json:"offset"`
}

// handlePostIngest applies a JSON array of replication events, or a single
// event, in order. It stops at the first rejected event.
func (h *Handler) handlePostIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, errors.Wrap(err, "reading body"))
		return
	}
	var events []replication.Event
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		ev, err := replication.DecodeEvent(trimmed)
		if err != nil {
			h.writeError(w, err)
			return
		}
		events = append(events, ev)
	} else if err := json.Unmarshal(body, &events); err != nil {
		h.writeError(w, replication.NewErrInvalidEvent(fmt.Sprintf("decoding events: %v", err)))
		return
	}

	for i, ev := range events {
		if err := h.engine.Ingest(r.Context(), ev); err != nil {
			h.writeError(w, errors.Wrapf(err, "event %d", i))
			return
		}
	}
	h.writeJSON(w, http.StatusOK, IngestResponse{Applied: len(events), Offset: h.engine.LastOffset()})
}

func (h *Handler) handleGetGraphviz(w http.ResponseWriter, r *http.Request) {
	detailed, _ := strconv.ParseBool(r.URL.Query().Get("detailed"))
	var buf bytes.Buffer
	if err := h.engine.Runtime().Graphviz(&buf, detailed); err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/vnd.graphviz")
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Printf("error writing graphviz response: %v", err)
	}
}

// NodeStats is the JSON form of a node's materialization stats.
type NodeStats struct {
	Node           uint64         `json:"node"`
	Name           string         `json:"name"`
	Domain         int            `json:"domain"`
	Partial        bool           `json:"partial"`
	BeyondFrontier bool           `json:"beyond_frontier"`
	Rows           int            `json:"rows"`
	Bytes          int            `json:"bytes"`
	Pending        int            `json:"pending"`
	Segments       []SegmentStats `json:"segments,omitempty"`
}

type SegmentStats struct {
	Index      int       `json:"index"`
	Range      string    `json:"range"`
	Filled     time.Time `json:"filled"`
	LastAccess time.Time `json:"last_access"`
	Bytes      int       `json:"bytes"`
}

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Runtime().Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]NodeStats, 0, len(stats))
	for _, s := range stats {
		ns := NodeStats{
			Node:           uint64(s.Node),
			Name:           s.Name,
			Domain:         int(s.Domain),
			Partial:        s.Partial,
			BeyondFrontier: s.BeyondFrontier,
			Rows:           s.Rows,
			Bytes:          s.Bytes,
			Pending:        s.Pending,
		}
		for _, seg := range s.Segments {
			ns.Segments = append(ns.Segments, SegmentStats{
				Index:      seg.Index,
				Range:      seg.Range.String(),
				Filled:     seg.Filled,
				LastAccess: seg.LastAccess,
				Bytes:      seg.Bytes,
			})
		}
		out = append(out, ns)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// EvictResponse reports what an eviction request freed.
type EvictResponse struct {
	Keys     int `json:"keys,omitempty"`
	Rows     int `json:"rows"`
	Bytes    int `json:"bytes"`
	Sent     int `json:"sent,omitempty"`
	Deferred int `json:"deferred,omitempty"`
}

// handlePostEvict drops the whole materialized state of one partial view
// when a view is named, and otherwise runs one eviction sweep.
func (h *Handler) handlePostEvict(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("view"); name != "" {
		v, err := h.engine.Runtime().View(name)
		if err != nil {
			h.writeError(w, err)
			return
		}
		res, err := h.engine.Runtime().Evict(r.Context(), v.Node, 0, []keys.Range{keys.Full()})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, EvictResponse{Keys: res.Keys, Rows: res.Rows, Bytes: res.Bytes})
		return
	}

	evictor := h.engine.Evictor()
	if evictor == nil {
		h.writeError(w, errors.New(dataflow.ErrUnsupported, "eviction is disabled"))
		return
	}
	rep, err := evictor.Sweep(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, EvictResponse{Rows: rep.Rows, Bytes: rep.Bytes, Sent: rep.Sent, Deferred: rep.Deferred})
}

type queryValidationSpec struct {
	required []string
	args     map[string]struct{}
}

func queryValidationSpecRequired(requiredArgs ...string) *queryValidationSpec {
	args := map[string]struct{}{}
	for _, arg := range requiredArgs {
		args[arg] = struct{}{}
	}

	return &queryValidationSpec{
		required: requiredArgs,
		args:     args,
	}
}

func (s *queryValidationSpec) Optional(args ...string) *queryValidationSpec {
	for _, arg := range args {
		s.args[arg] = struct{}{}
	}
	return s
}

func (s queryValidationSpec) validate(query url.Values) error {
	for _, req := range s.required {
		if query.Get(req) == "" {
			return errors.Errorf("%s is required", req)
		}
	}
	for k := range query {
		if _, ok := s.args[k]; !ok {
			return errors.Errorf("%s is not a valid argument", k)
		}
	}
	return nil
}
