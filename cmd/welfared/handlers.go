package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fernandezvara/welfarekit"
)

// api exposes the service over JSON.
type api struct {
	service *welfarekit.Service
	mw      *welfarekit.Middleware
	logger  *zap.Logger
}

func (a *api) routes(mux *http.ServeMux) {
	authed := func(h http.HandlerFunc) http.Handler {
		return a.mw.Authenticate(a.mw.InjectAuditContext()(h))
	}

	mux.Handle("GET /me/permissions", authed(a.myPermissions))
	mux.Handle("POST /roles/assignments", authed(a.assignRole))
	mux.Handle("DELETE /roles/assignments/{user}/{role}", authed(a.removeRole))
	mux.Handle("POST /roles/assignments/{id}/approve", authed(a.approveAssignment))
	mux.Handle("POST /applications", authed(a.submitApplication))
	mux.Handle("GET /applications", authed(a.listApplications))
	mux.Handle("GET /applications/{id}", authed(a.getApplication))
	mux.Handle("POST /applications/{id}/transitions", authed(a.transition))
	mux.Handle("GET /audit", a.mw.Authenticate(a.mw.InjectAuditContext()(
		a.mw.RequirePermission("audit.read.global")(http.HandlerFunc(a.auditLog)))))
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	status := a.service.Health(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

type permissionsResponse struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	HighestRole string   `json:"highest_role,omitempty"`
}

func (a *api) myPermissions(w http.ResponseWriter, r *http.Request) {
	userID := welfarekit.GetUserID(r.Context())
	checker, err := a.service.GetChecker(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, permissionsResponse{
		UserID:      userID,
		Roles:       checker.GetRoles(),
		Permissions: checker.GetPermissions(),
		HighestRole: checker.HighestRole(),
	})
}

type assignRoleRequest struct {
	UserID     string                     `json:"user_id"`
	Role       string                     `json:"role"`
	Scope      welfarekit.AssignmentScope `json:"scope"`
	ValidFrom  time.Time                  `json:"valid_from"`
	ValidUntil *time.Time                 `json:"valid_until"`
	Reason     string                     `json:"reason"`
}

func (a *api) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if !decode(w, r, &req) {
		return
	}
	assignment, err := a.service.AssignRole(r.Context(), req.UserID, req.Role, welfarekit.AssignRoleOptions{
		Scope:      req.Scope,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
		Reason:     req.Reason,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *api) removeRole(w http.ResponseWriter, r *http.Request) {
	err := a.service.RemoveRole(r.Context(), r.PathValue("user"), r.PathValue("role"), r.URL.Query().Get("reason"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) approveAssignment(w http.ResponseWriter, r *http.Request) {
	assignment, err := a.service.ApproveAssignment(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

type submitRequest struct {
	ProjectID string                         `json:"project_id"`
	SchemeID  string                         `json:"scheme_id"`
	Location  welfarekit.ApplicationLocation `json:"location"`
}

func (a *api) submitApplication(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	app, err := a.service.SubmitApplication(ctx, welfarekit.SubmitRequest{
		ApplicantID: welfarekit.GetUserID(ctx),
		ProjectID:   req.ProjectID,
		SchemeID:    req.SchemeID,
		Location:    req.Location,
		Access:      welfarekit.AccessContextFrom(ctx),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (a *api) listApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := welfarekit.NewApplicationFilter().
		WithStatus(welfarekit.ApplicationStatus(q.Get("status"))).
		WithLevel(welfarekit.ApprovalLevel(q.Get("level"))).
		WithProject(q.Get("project")).
		WithScheme(q.Get("scheme")).
		WithPagination(queryInt(q.Get("limit")), queryInt(q.Get("offset")))

	ctx := r.Context()
	apps, err := a.service.ListApplications(ctx, welfarekit.GetUserID(ctx), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (a *api) getApplication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	app, err := a.service.GetApplication(ctx, welfarekit.GetUserID(ctx), r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

type transitionRequest struct {
	Action   welfarekit.Action `json:"action"`
	Remarks  string            `json:"remarks"`
	Comments string            `json:"comments"`
}

func (a *api) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	app, err := a.service.TransitionApplication(ctx, welfarekit.TransitionRequest{
		ApplicationID: r.PathValue("id"),
		Action:        req.Action,
		Remarks:       req.Remarks,
		Comments:      req.Comments,
		RequestID:     welfarekit.GetRequestID(ctx),
		Access:        welfarekit.AccessContextFrom(ctx),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *api) auditLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := welfarekit.NewAuditLogFilter().
		WithUser(q.Get("user")).
		WithActor(q.Get("actor")).
		WithApplication(q.Get("application")).
		WithEvent(welfarekit.AuditEvent(q.Get("event"))).
		WithPagination(queryInt(q.Get("limit")), queryInt(q.Get("offset")))

	records, err := a.service.GetAuditLog(r.Context(), filter)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := welfarekit.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", welfarekit.GetRequestID(r.Context())),
			zap.Error(err))
	}
	if status == http.StatusTooManyRequests {
		if retry := welfarekit.RetryAfter(err); retry > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int((retry+time.Second-1)/time.Second)))
		}
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, errorResponse{Error: msg, RequestID: welfarekit.GetRequestID(r.Context())})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
