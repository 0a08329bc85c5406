package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"authzcore.org/internal/audit"
)

type moduleRequestRequest struct {
	OrganizationID string `json:"organization_id"`
	ModuleID       string `json:"module_id"`
	Reason         string `json:"reason"`
}

type rejectRequest struct {
	Comments string `json:"comments"`
}

type assignRoleRequest struct {
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
	TTLDays        int    `json:"ttl_days"`
}

type revokeRoleRequest struct {
	UserID         string `json:"user_id"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

type setLicenseRequest struct {
	OrganizationID string `json:"organization_id"`
	ModuleID       string `json:"module_id"`
	Licensed       bool   `json:"licensed"`
	StartDate      string `json:"start_date,omitempty"`
	ExpiryDate     string `json:"expiry_date,omitempty"`
}

type decisionResponse struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// GET /v1/checks/permission?resource=..&action=..[&user_id=..]
// Deny comes back as 403 with the decision body; it is not an error.
func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		userID = p.UserID
	}
	d, err := a.engine.CheckPermission(r.Context(), userID, q.Get("resource"), q.Get("action"))
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	code := http.StatusOK
	if !d.Allow {
		code = http.StatusForbidden
	}
	writeJSON(w, code, decisionResponse{Allow: d.Allow, Reason: d.Reason})
}

// GET /v1/modules
func (a *API) handleModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.principal(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": a.engine.Modules()})
}

// GET /v1/modules/{id}/access?organization_id=..[&user_id=..]
func (a *API) handleModuleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/modules/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "access" || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		userID = p.UserID
	}
	d, err := a.engine.CheckModuleAccess(r.Context(), userID, q.Get("organization_id"), parts[0])
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	code := http.StatusOK
	if !d.Allow {
		code = http.StatusForbidden
	}
	writeJSON(w, code, decisionResponse{Allow: d.Allow, Reason: d.Reason})
}

// POST /v1/module-requests | GET /v1/module-requests?organization_id=..
func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req moduleRequestRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		created, err := a.engine.RequestModule(r.Context(), p.UserID, req.OrganizationID, req.ModuleID, req.Reason)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/module-requests/"+created.ID)
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		open, err := a.engine.OpenRequests(r.Context(), p.UserID, r.URL.Query().Get("organization_id"))
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": open})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

// GET /v1/module-requests/{id}
// POST /v1/module-requests/{id}/approve
// POST /v1/module-requests/{id}/reject
func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/module-requests/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		req, err := a.engine.GetRequest(r.Context(), parts[0], p.UserID)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	case len(parts) == 2 && parts[1] == "approve":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		req, err := a.engine.Approve(r.Context(), parts[0], p.UserID)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	case len(parts) == 2 && parts[1] == "reject":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		var body rejectRequest
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req, err := a.engine.Reject(r.Context(), parts[0], p.UserID, body.Comments)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// POST /v1/roles/assignments
func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	a2, err := a.engine.AssignRole(r.Context(), p.UserID, req.UserID, req.Role, req.OrganizationID, req.TTLDays)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a2)
}

// POST /v1/roles/assignments/revoke
func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req revokeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.engine.RevokeRole(r.Context(), p.UserID, req.UserID, req.Role, req.OrganizationID); err != nil {
		handleEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PUT /v1/licenses
func (a *API) handleLicenses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req setLicenseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	start, err := parseDate(req.StartDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid start_date: "+err.Error())
		return
	}
	expiry, err := parseDate(req.ExpiryDate)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid expiry_date: "+err.Error())
		return
	}
	l, err := a.engine.SetLicense(r.Context(), p.UserID, req.OrganizationID, req.ModuleID, req.Licensed, start, expiry)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// GET /v1/audit?actor_id=..&resource_type=..&resource_id=..&limit=..
func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := a.engine.AuditTrail(r.Context(), p.UserID, audit.Filter{
		ActorID:      q.Get("actor_id"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Limit:        limit,
	})
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func parseDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	u := t.UTC()
	return &u, nil
}
