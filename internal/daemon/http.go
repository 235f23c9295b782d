package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hoistsec/hoist/hook"
	"github.com/hoistsec/hoist/orchestrator"
	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/token"
	"github.com/hoistsec/hoist/types"
)

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(telemetry.PrometheusRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /-/healthy", d.handleHealth)
	mux.HandleFunc("GET /-/ready", d.handleHealth)

	mux.HandleFunc("POST /v1/requests", d.instrument("submit", d.handleSubmit))
	mux.HandleFunc("GET /v1/requests/{id}", d.instrument("get_request", d.handleGetRequest))
	mux.HandleFunc("POST /v1/requests/{id}/approve", d.instrument("approve", d.handleApprove))
	mux.HandleFunc("POST /v1/requests/{id}/reject", d.instrument("reject", d.handleReject))
	mux.HandleFunc("POST /v1/requests/{id}/cancel", d.instrument("cancel", d.handleCancel))

	if d.interceptor != nil {
		mux.HandleFunc("POST /v1/intercept", d.instrument("intercept", d.handleIntercept))
	}

	return mux
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (d *Daemon) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		d.metrics.RecordHTTPRequest(r.Context(), route, rec.status)
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Health())
}

// submitRequest is the submission payload.
type submitRequest struct {
	Actor         types.Actor `json:"actor"`
	HookType      string      `json:"hook_type"`
	Command       string      `json:"command"`
	Args          []string    `json:"args,omitempty"`
	Scopes        []string    `json:"scopes"`
	Justification string      `json:"justification,omitempty"`
	Emergency     bool        `json:"emergency,omitempty"`
	Duration      string      `json:"duration,omitempty"`
	SourceAddr    string      `json:"source_addr,omitempty"`
	DeviceID      string      `json:"device_id,omitempty"`
}

// requestResponse is the request state returned by every lifecycle
// endpoint. Token is set only once issuance has happened.
type requestResponse struct {
	Request *types.ElevationRequest `json:"request"`
	Token   string                  `json:"token,omitempty"`
}

func (d *Daemon) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var duration time.Duration
	if body.Duration != "" {
		var err error
		duration, err = time.ParseDuration(body.Duration)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
	}

	req, err := d.orch.Submit(r.Context(), orchestrator.Submission{
		Actor:           body.Actor,
		HookType:        body.HookType,
		Command:         body.Command,
		Args:            body.Args,
		RequestedScopes: body.Scopes,
		Justification:   body.Justification,
		Emergency:       body.Emergency,
		Duration:        duration,
		Call: types.CallContext{
			SourceAddr: body.SourceAddr,
			DeviceID:   body.DeviceID,
		},
	})
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, d.requestResponse(req))
}

func (d *Daemon) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := d.orch.Get(r.PathValue("id"))
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.requestResponse(req))
}

// approvalBody identifies the approver acting on a request. The
// gateway in front of the daemon authenticates the approver; the
// daemon enforces policy on the asserted identity and role.
type approvalBody struct {
	ApproverID string `json:"approver_id"`
	Role       string `json:"role"`
}

func (d *Daemon) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if err := d.orch.Approve(r.Context(), id, body.ApproverID, body.Role); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	d.writeRequestState(w, id)
}

func (d *Daemon) handleReject(w http.ResponseWriter, r *http.Request) {
	var body approvalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if err := d.orch.Reject(r.Context(), id, body.ApproverID, body.Role); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	d.writeRequestState(w, id)
}

func (d *Daemon) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id := r.PathValue("id")
	if err := d.orch.Cancel(r.Context(), id, body.ActorID); err != nil {
		writeOrchestratorError(w, err)
		return
	}
	d.writeRequestState(w, id)
}

// interceptBody is one hook interception.
type interceptBody struct {
	Actor      types.Actor `json:"actor"`
	HookType   string      `json:"hook_type"`
	Command    string      `json:"command"`
	Args       []string    `json:"args,omitempty"`
	Token      string      `json:"token,omitempty"`
	SourceAddr string      `json:"source_addr,omitempty"`
	DeviceID   string      `json:"device_id,omitempty"`
}

func (d *Daemon) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var body interceptBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := d.interceptor.Intercept(r.Context(), hook.Interception{
		HookType: body.HookType,
		Command:  body.Command,
		Args:     body.Args,
		Actor:    body.Actor,
		Call: types.CallContext{
			SourceAddr: body.SourceAddr,
			DeviceID:   body.DeviceID,
			TokenBlob:  body.Token,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "interception failed")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (d *Daemon) writeRequestState(w http.ResponseWriter, id string) {
	req, err := d.orch.Get(id)
	if err != nil {
		writeOrchestratorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d.requestResponse(req))
}

func (d *Daemon) requestResponse(req *types.ElevationRequest) requestResponse {
	resp := requestResponse{Request: req}
	if req.Status == types.StatusTokenIssued {
		if tok, ok := d.orch.IssuedToken(req.ID); ok {
			if blob, err := token.EncodeWire(tok); err == nil {
				resp.Token = blob
			}
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrRequestNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, orchestrator.ErrTooManyPending):
		writeError(w, http.StatusTooManyRequests, "too many pending requests")
	case errors.Is(err, orchestrator.ErrSelfApproval),
		errors.Is(err, orchestrator.ErrApproverRole),
		errors.Is(err, orchestrator.ErrNotRequester):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, orchestrator.ErrNotAwaitingApproval):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
