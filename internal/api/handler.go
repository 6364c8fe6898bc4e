// Package api exposes the correlator over HTTP: engines open runs, post
// metric reports and complete runs; operators list archived events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"lineage-stats/internal/correlate"
	"lineage-stats/internal/domain"
	"lineage-stats/internal/service/correlator"
)

// maxBatchReports bounds one POST /v1/reports batch.
const maxBatchReports = 1000

// Correlator is the ingest surface the handler drives.
type Correlator interface {
	StartRun(ctx context.Context, run domain.Run) (domain.Run, error)
	OnReport(ctx context.Context, r domain.RawReport) (correlator.ReportResult, error)
	CompleteRun(ctx context.Context, runID string, eventType domain.EventType) (*domain.Event, error)
	Stats() correlator.Stats
}

var _ Correlator = (*correlator.Service)(nil)

// Handler serves the ingest and archive endpoints.
type Handler struct {
	svc     Correlator
	archive domain.EventArchive // nil when no archive is configured
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a Handler. archive may be nil.
func NewHandler(svc Correlator, archive domain.EventArchive, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, archive: archive, logger: logger, now: time.Now}
}

// === Wire types ===

type jobBody struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type createRunRequest struct {
	RunID     string     `json:"run_id"`
	Job       jobBody    `json:"job"`
	StartedAt *time.Time `json:"started_at"`
}

type runResponse struct {
	RunID     string    `json:"run_id"`
	Job       jobBody   `json:"job"`
	StartedAt time.Time `json:"started_at"`
}

type datasetBody struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type reportRequest struct {
	Kind    string          `json:"kind"`
	RunID   string          `json:"run_id"`
	Dataset datasetBody     `json:"dataset"`
	Version flexString      `json:"version"`
	Role    string          `json:"role"`
	Payload json.RawMessage `json:"payload"`
}

type reportsRequest struct {
	Reports *[]reportRequest `json:"reports"`
	reportRequest
}

// ReportStatus is the per-report outcome of POST /v1/reports.
type ReportStatus struct {
	Index   int    `json:"index"`
	Status  string `json:"status"` // accepted, pending or rejected
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Version string `json:"version,omitempty"`
}

type reportsResponse struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Results  []ReportStatus `json:"results"`
}

type completeRunRequest struct {
	EventType string `json:"event_type"`
}

type eventSummary struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	RunID     string    `json:"run_id"`
	Job       jobBody   `json:"job"`
	Inputs    int       `json:"inputs"`
	Outputs   int       `json:"outputs"`
}

type archivedEvent struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	EventTime time.Time       `json:"event_time"`
	RunID     string          `json:"run_id"`
	Job       jobBody         `json:"job"`
	CreatedAt time.Time       `json:"created_at"`
	Event     json.RawMessage `json:"event"`
}

type listEventsResponse struct {
	Events        []archivedEvent `json:"events"`
	Total         int64           `json:"total"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// flexString accepts a JSON string or number. Engines send snapshot ids
// as either.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("version must be a string or number")
	}
	*f = flexString(n.String())
	return nil
}

// === Handlers ===

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateRun opens a run. A missing run id is generated.
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	run := domain.Run{
		ID:  strings.TrimSpace(req.RunID),
		Job: domain.Job{Namespace: req.Job.Namespace, Name: req.Job.Name},
	}
	if run.ID == "" {
		run.ID = domain.NewID()
	}
	if req.StartedAt != nil {
		run.StartedAt = req.StartedAt.UTC()
	}

	opened, err := h.svc.StartRun(r.Context(), run)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, runResponse{
		RunID:     opened.ID,
		Job:       jobBody{Namespace: opened.Job.Namespace, Name: opened.Job.Name},
		StartedAt: opened.StartedAt,
	})
}

// PostReports accepts one report object or {"reports": [...]}. Each report
// gets its own status; the request fails only when the body is unusable.
func (h *Handler) PostReports(w http.ResponseWriter, r *http.Request) {
	var req reportsRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	reports := []reportRequest{req.reportRequest}
	if req.Reports != nil {
		reports = *req.Reports
	}
	if len(reports) == 0 {
		writeError(w, http.StatusBadRequest, "no reports in request")
		return
	}
	if len(reports) > maxBatchReports {
		writeError(w, http.StatusRequestEntityTooLarge, "at most %d reports per request", maxBatchReports)
		return
	}

	resp := reportsResponse{Results: make([]ReportStatus, len(reports))}
	received := h.now().UTC()
	for i, rep := range reports {
		res, err := h.svc.OnReport(r.Context(), domain.RawReport{
			Kind:       domain.ReportKind(rep.Kind),
			RunID:      rep.RunID,
			Dataset:    domain.Dataset{Namespace: rep.Dataset.Namespace, Name: rep.Dataset.Name},
			Version:    string(rep.Version),
			Role:       domain.DatasetRole(rep.Role),
			Payload:    rep.Payload,
			ReceivedAt: received,
		})
		st := ReportStatus{Index: i}
		switch {
		case err != nil:
			st.Status = "rejected"
			st.Code = reportErrorCode(err)
			st.Message = err.Error()
			resp.Rejected++
		case res.Outcome == correlate.Parked:
			st.Status = "pending"
			st.Version = res.Version
			resp.Accepted++
		default:
			st.Status = "accepted"
			st.Version = res.Version
			resp.Accepted++
		}
		resp.Results[i] = st
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// CompleteRun emits the terminal event of a run.
func (h *Handler) CompleteRun(w http.ResponseWriter, r *http.Request) {
	var req completeRunRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	eventType := domain.EventType(strings.ToUpper(strings.TrimSpace(req.EventType)))
	if eventType != "" && !eventType.IsTerminal() {
		writeError(w, http.StatusBadRequest, "event_type must be COMPLETE, FAIL or ABORT")
		return
	}

	ev, err := h.svc.CompleteRun(r.Context(), chi.URLParam(r, "runID"), eventType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, eventSummary{
		EventID:   ev.EventID,
		EventType: string(ev.EventType),
		EventTime: ev.EventTime,
		RunID:     ev.Run.ID,
		Job:       jobBody{Namespace: ev.Job.Namespace, Name: ev.Job.Name},
		Inputs:    len(ev.Inputs),
		Outputs:   len(ev.Outputs),
	})
}

// ListEvents pages through archived events, newest first.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "event archive is not configured")
		return
	}
	q := r.URL.Query()
	page := domain.PageRequest{PageToken: q.Get("page_token")}
	if _, err := domain.DecodePageToken(page.PageToken); err != nil {
		writeDomainError(w, err)
		return
	}
	if v := q.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max_results must be a non-negative integer")
			return
		}
		page.MaxResults = n
	}
	filter := domain.EventFilter{
		RunID:     q.Get("run_id"),
		JobName:   q.Get("job_name"),
		EventType: domain.EventType(strings.ToUpper(q.Get("event_type"))),
	}
	if filter.EventType != "" && !filter.EventType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event_type %q", q.Get("event_type"))
		return
	}

	events, total, err := h.archive.List(r.Context(), filter, page)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list events failed", "error", err)
		writeDomainError(w, err)
		return
	}
	resp := listEventsResponse{
		Events:        make([]archivedEvent, len(events)),
		Total:         total,
		NextPageToken: page.Next(total),
	}
	for i, ev := range events {
		resp.Events[i] = toArchivedEvent(ev)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEvent returns the emitted payload of one archived event.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		writeError(w, http.StatusNotImplemented, "event archive is not configured")
		return
	}
	ev, err := h.archive.Get(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ev.Payload)
}

// GetStats returns correlator occupancy and counters.
func (h *Handler) GetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Stats())
}

func toArchivedEvent(ev domain.ArchivedEvent) archivedEvent {
	return archivedEvent{
		EventID:   ev.EventID,
		EventType: string(ev.EventType),
		EventTime: ev.EventTime,
		RunID:     ev.RunID,
		Job:       jobBody{Namespace: ev.JobNamespace, Name: ev.JobName},
		CreatedAt: ev.CreatedAt,
		Event:     json.RawMessage(ev.Payload),
	}
}
