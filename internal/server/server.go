// Package server exposes extraction runs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pagesift/internal/classifier"
	"github.com/local/pagesift/internal/errs"
	"github.com/local/pagesift/internal/filetype"
	"github.com/local/pagesift/internal/metrics"
	"github.com/local/pagesift/internal/pipeline"
	"github.com/local/pagesift/internal/statuscheck"
	"github.com/local/pagesift/internal/store"
)

// Executor runs one job to completion. *pipeline.Runner satisfies it.
type Executor interface {
	Execute(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

type Options struct {
	UploadDir   string
	MaxUploadMB int
}

// Dispatcher runs submitted jobs. The local dispatcher runs them in this
// process; the queue dispatcher hands them to workers through Redis.
type Dispatcher interface {
	Submit(ctx context.Context, job pipeline.Job) error
	// Cancel requests cancellation and reports whether the run was active.
	Cancel(ctx context.Context, runID string) (bool, error)
}

type Server struct {
	store store.Store
	opts  Options
	ready *statuscheck.Checker
	disp  Dispatcher
	local *localDispatcher
}

// New returns a server that executes runs in-process with exec.
func New(exec Executor, st store.Store, opts Options) *Server {
	if opts.UploadDir == "" {
		opts.UploadDir = os.TempDir()
	}
	if opts.MaxUploadMB <= 0 {
		opts.MaxUploadMB = 100
	}
	local := newLocalDispatcher(exec, st)
	return &Server{store: st, opts: opts, disp: local, local: local}
}

// WithDispatcher routes runs through d instead of the in-process dispatcher.
func (s *Server) WithDispatcher(d Dispatcher) *Server {
	s.disp = d
	return s
}

// WithReadiness enables GET /ready.
func (s *Server) WithReadiness(c *statuscheck.Checker) *Server {
	s.ready = c
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	if s.ready != nil {
		mux.HandleFunc("GET /ready", s.handleReady)
	}
	mux.HandleFunc("POST /extract", s.handleExtract)
	mux.HandleFunc("POST /extract_upload", s.handleUpload)
	mux.HandleFunc("GET /progress/{id}", s.handleProgress)
	mux.HandleFunc("GET /download/{id}", s.handleDownload)
	mux.HandleFunc("POST /cancel/{id}", s.handleCancel)
}

// Shutdown cancels in-process runs and waits for them to record their final status.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.local.shutdown(ctx)
}

type extractReq struct {
	FilePath      string   `json:"file_path"`
	FileURL       string   `json:"file_url"`
	Output        string   `json:"output"`
	Preset        string   `json:"preset"`
	Labels        []string `json:"labels"`
	SectionHeader string   `json:"section_header"`
	Condition     string   `json:"condition"`
	Threshold     *float64 `json:"threshold"`
	DryRun        bool     `json:"dry_run"`
}

type extractResp struct {
	Status   string         `json:"status"`
	RunID    string         `json:"run_id"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// target builds the request's target, or nil to use the configured one.
func (req extractReq) target() (*classifier.TargetSpec, error) {
	var t classifier.TargetSpec
	switch {
	case len(req.Labels) > 0:
		t = classifier.TargetSpec{Name: "labels", Kind: classifier.KindLabels, Labels: req.Labels}
	case req.SectionHeader != "":
		t = classifier.TargetSpec{Name: "section", Kind: classifier.KindSectionHeader, SectionHeader: req.SectionHeader}
	case req.Condition != "":
		t = classifier.TargetSpec{Name: "condition", Kind: classifier.KindCondition, Condition: req.Condition}
	case req.Preset != "":
		p, ok := classifier.Preset(req.Preset)
		if !ok {
			return nil, errs.Config("preset", "unknown preset %q", req.Preset)
		}
		t = p
	default:
		if req.Threshold != nil {
			return nil, errs.Config("threshold", "threshold needs an explicit target")
		}
		return nil, nil
	}
	if th := req.Threshold; th != nil && (*th < 0 || *th > 1) {
		return nil, errs.Config("threshold", "threshold %v outside [0,1]", *th)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req extractReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	input := req.FilePath
	if input == "" {
		input = req.FileURL
	}
	if input == "" {
		http.Error(w, "missing file_path/file_url", http.StatusBadRequest)
		return
	}
	target, err := req.target()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID := uuid.NewString()
	output, err := s.outputFor(runID, req.Output)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job := pipeline.Job{RunID: runID, Input: input, Output: output, Target: target, Threshold: req.Threshold, DryRun: req.DryRun}
	if err := s.start(r.Context(), job, "api"); err != nil {
		http.Error(w, "cannot start run", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, extractResp{Status: "ok", RunID: runID, Message: "extraction run created",
		Metadata: map[string]any{"timestamp": time.Now().Format(time.RFC3339)}})
}

// handleUpload accepts a multipart PDF upload under the "file" field. Target
// fields are form values; labels are comma-separated.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.opts.MaxUploadMB)<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	req := extractReq{
		Preset:        r.FormValue("preset"),
		SectionHeader: r.FormValue("section_header"),
		Condition:     r.FormValue("condition"),
		DryRun:        r.FormValue("dry_run") == "true" || r.FormValue("dry_run") == "on",
	}
	for _, l := range strings.Split(r.FormValue("labels"), ",") {
		if l = strings.TrimSpace(l); l != "" {
			req.Labels = append(req.Labels, l)
		}
	}
	if v := r.FormValue("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "invalid threshold", http.StatusBadRequest)
			return
		}
		req.Threshold = &f
	}
	target, err := req.target()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		http.Error(w, "cannot create upload dir", http.StatusInternalServerError)
		return
	}
	runID := uuid.NewString()
	name := filepath.Base(hdr.Filename)
	if name == "" || name == "." || name == "/" {
		name = "upload.pdf"
	}
	localPath := filepath.Join(s.opts.UploadDir, fmt.Sprintf("%s_%s", runID, name))
	out, err := os.Create(localPath)
	if err != nil {
		http.Error(w, "cannot save upload", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(localPath)
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}
	_ = out.Close()
	if err := filetype.RequirePDF(localPath); err != nil {
		os.Remove(localPath)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	output, _ := s.outputFor(runID, "")
	job := pipeline.Job{RunID: runID, Input: localPath, Output: output, Target: target, Threshold: req.Threshold, DryRun: req.DryRun}
	if err := s.start(r.Context(), job, "upload"); err != nil {
		os.Remove(localPath)
		http.Error(w, "cannot start run", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, extractResp{Status: "ok", RunID: runID, Message: "upload run created"})
}

// outputFor resolves the run's destination. Requested outputs are either
// s3:// URLs or relative names kept inside UploadDir.
func (s *Server) outputFor(runID, requested string) (string, error) {
	switch {
	case requested == "":
		return filepath.Join(s.opts.UploadDir, fmt.Sprintf("pagesift_%s.pdf", runID)), nil
	case strings.HasPrefix(requested, "s3://"):
		return requested, nil
	case !filepath.IsLocal(requested):
		return "", errs.Config("output", "output %q must be an s3:// URL or a relative name", requested)
	}
	return filepath.Join(s.opts.UploadDir, requested), nil
}

// start records the queued run and hands it to the dispatcher.
func (s *Server) start(ctx context.Context, job pipeline.Job, source string) error {
	now := time.Now()
	err := s.store.SetStatus(ctx, job.RunID, store.Status{Status: store.StateQueued, Message: "queued", Start: &now,
		Metadata: map[string]any{"file_path": job.Input, "output": job.Output, "source": source}})
	if err != nil {
		return err
	}
	job.Cleanup = source == "upload"
	if err := s.disp.Submit(ctx, job); err != nil {
		_, _ = store.RecordFailure(context.WithoutCancel(ctx), s.store, job.RunID, err, false)
		return err
	}
	log.Info().Str("run_id", job.RunID).Str("file", job.Input).Str("source", source).Msg("run created")
	return nil
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.GetStatus(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	resp := map[string]any{
		"success":    st.Status == store.StateSuccess || st.Status == store.StateNoMatches,
		"run_id":     id,
		"status":     st.Status,
		"progress":   st.Progress,
		"message":    st.Message,
		"start_time": st.Start,
		"end_time":   st.End,
		"metadata":   st.Metadata,
	}
	if r.URL.Query().Get("batches") == "1" {
		recs, err := s.store.Batches(r.Context(), id)
		if err != nil {
			http.Error(w, "error", http.StatusInternalServerError)
			return
		}
		resp["batches"] = recs
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDownload serves the extracted PDF of a finished run with a local output.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.GetStatus(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch st.Status {
	case store.StateSuccess:
	case store.StateNoMatches:
		http.Error(w, "no matching pages", http.StatusNotFound)
		return
	default:
		if !st.Terminal() {
			http.Error(w, "not ready", http.StatusAccepted)
			return
		}
		http.Error(w, st.Message, http.StatusConflict)
		return
	}
	p, _ := st.Metadata["output"].(string)
	if p == "" || strings.HasPrefix(p, "s3://") {
		http.Error(w, "result not available locally", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(p); err != nil {
		http.Error(w, "result not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=pagesift_%s.pdf", id))
	http.ServeFile(w, r, p)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.store.GetStatus(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if st.Terminal() {
		http.Error(w, "run is not active", http.StatusConflict)
		return
	}
	active, err := s.disp.Cancel(r.Context(), id)
	if err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if !active {
		http.Error(w, "run is not active", http.StatusConflict)
		return
	}
	log.Info().Str("run_id", id).Msg("run cancel requested")
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "run_id": id, "status": "cancelling"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	sum := s.ready.Summary(r.Context())
	code := http.StatusOK
	if !sum.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, sum)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
