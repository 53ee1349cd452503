package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/stores"
)

// ActorHeader names the caller in audit entries.
const ActorHeader = "X-Isogrpd-Actor"

// CreateGroupRequest is the body of POST /v1/groups.
type CreateGroupRequest struct {
	Name        string `json:"name" validate:"required,excludes=:"`
	Type        string `json:"type" validate:"required"`
	Description string `json:"description,omitempty"`
	Ports       string `json:"ports,omitempty"`
	Members     string `json:"members,omitempty"`
}

// PortsRequest is the body of the bind-ports and members endpoints.
type PortsRequest struct {
	Ports string `json:"ports"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string        `json:"error"`
	Status    engine.Status `json:"status,omitempty"`
	Group     string        `json:"group,omitempty"`
	Port      string        `json:"port,omitempty"`
	Operation string        `json:"operation,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string `json:"status"`
	PortsReady bool   `json:"ports_ready"`
	Groups     int    `json:"groups"`
	Journal    string `json:"journal,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", PortsReady: true}
	err := s.runner.Do(r.Context(), func(_ context.Context, reg *engine.Registry) error {
		resp.Groups = reg.Len()
		if s.ready != nil {
			resp.PortsReady = s.ready.AllPortsReady()
		}
		return nil
	})
	if err != nil {
		s.writeError(w, fmt.Errorf("runner unavailable: %w", err))
		return
	}

	code := http.StatusOK
	if !resp.PortsReady {
		resp.Status = "starting"
		code = http.StatusServiceUnavailable
	}
	if s.journal != nil {
		resp.Journal = "ok"
		if err := s.journal.HealthCheck(r.Context()); err != nil {
			resp.Journal = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	var snaps []engine.GroupSnapshot
	err := s.runner.Do(r.Context(), func(_ context.Context, reg *engine.Registry) error {
		snaps = reg.Snapshots()
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var snap engine.GroupSnapshot
	err := s.runner.Do(r.Context(), func(_ context.Context, reg *engine.Registry) error {
		var err error
		snap, err = reg.Snapshot(name)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, engine.NewInvalidParamError("invalid request body", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, engine.NewInvalidParamError("invalid create request", err).WithGroup(req.Name))
		return
	}

	groupType, err := engine.ParseGroupType(req.Type)
	if err != nil {
		var ge *engine.GroupError
		if errors.As(err, &ge) {
			ge.WithGroup(req.Name).WithOperation("create")
		}
		s.audit(r, "group.create", req.Name, err, req.Type)
		s.writeError(w, err)
		return
	}

	var snap engine.GroupSnapshot
	err = s.runner.Do(r.Context(), func(ctx context.Context, reg *engine.Registry) error {
		if _, ok := reg.Group(req.Name); ok {
			return engine.NewFailError("isolation group already exists", nil).
				WithGroup(req.Name).WithOperation("create")
		}
		if err := reg.AddIsolationGroup(ctx, req.Name, groupType, req.Description, req.Ports, req.Members); err != nil {
			return err
		}
		var err error
		snap, err = reg.Snapshot(req.Name)
		return err
	})
	s.audit(r, "group.create", req.Name, err, string(groupType))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var (
		snap     engine.GroupSnapshot
		deferred bool
	)
	err := s.runner.Do(r.Context(), func(ctx context.Context, reg *engine.Registry) error {
		if _, ok := reg.Group(name); !ok {
			_, err := reg.Snapshot(name)
			return err
		}
		if err := reg.DelIsolationGroup(ctx, name); err != nil {
			return err
		}
		if grp, ok := reg.Group(name); ok {
			deferred = true
			snap = grp.Snapshot()
		}
		return nil
	})
	s.audit(r, "group.delete", name, err, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if deferred {
		writeJSON(w, http.StatusAccepted, snap)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setBindPorts(w http.ResponseWriter, r *http.Request) {
	s.setPorts(w, r, "group.set_bind_ports", (*engine.Registry).SetBindPorts)
}

func (s *Server) setMembers(w http.ResponseWriter, r *http.Request) {
	s.setPorts(w, r, "group.set_members", (*engine.Registry).SetMembers)
}

func (s *Server) setPorts(w http.ResponseWriter, r *http.Request, action string,
	set func(*engine.Registry, context.Context, string, string) error) {
	name := chi.URLParam(r, "name")

	var req PortsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, engine.NewInvalidParamError("invalid request body", err).WithGroup(name))
		return
	}

	var snap engine.GroupSnapshot
	err := s.runner.Do(r.Context(), func(ctx context.Context, reg *engine.Registry) error {
		if err := set(reg, ctx, name, req.Ports); err != nil {
			return err
		}
		var err error
		snap, err = reg.Snapshot(name)
		return err
	})
	s.audit(r, action, name, err, req.Ports)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "journal disabled"})
		return
	}
	q := r.URL.Query()
	limit, offset, err := paging(q.Get("limit"), q.Get("offset"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.journal.ListEvents(r.Context(), stores.EventFilter{
		Group:  q.Get("group"),
		Port:   q.Get("port"),
		Type:   q.Get("type"),
		Level:  stores.EventLevel(q.Get("level")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "journal disabled"})
		return
	}
	q := r.URL.Query()
	limit, offset, err := paging(q.Get("limit"), q.Get("offset"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	entries, err := s.journal.ListAuditEntries(r.Context(), q.Get("target"), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// audit records a mutating request. Journal failures are logged only.
func (s *Server) audit(r *http.Request, action, target string, err error, details string) {
	if s.journal == nil {
		return
	}
	actor := r.Header.Get(ActorHeader)
	if actor == "" {
		actor = "anonymous"
	}
	entry := &stores.AuditEntry{
		Action:  action,
		Actor:   actor,
		Target:  target,
		Status:  string(engine.StatusOf(err)),
		Details: details,
		Remote:  r.RemoteAddr,
	}
	if jerr := s.journal.CreateAuditEntry(context.WithoutCancel(r.Context()), entry); jerr != nil {
		s.logger.Error().Err(jerr).Str("action", action).Str("group", target).Msg("Failed to write audit entry")
	}
}

// StatusCode maps an engine error to its HTTP status.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, engine.ErrGroupNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}

	var ge *engine.GroupError
	if !errors.As(err, &ge) {
		return http.StatusInternalServerError
	}
	switch ge.Status {
	case engine.StatusInvalidParam:
		return http.StatusBadRequest
	case engine.StatusRetry:
		return http.StatusServiceUnavailable
	default:
		// A failure without a cause is a rejected request rather than a hardware error.
		if ge.Err == nil {
			return http.StatusConflict
		}
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	resp := ErrorResponse{Error: err.Error()}

	var ge *engine.GroupError
	if errors.As(err, &ge) {
		resp.Status = ge.Status
		resp.Group = ge.Group
		resp.Port = ge.Port
		resp.Operation = ge.Operation
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("code", code).Msg("Request failed")
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func paging(limitStr, offsetStr string) (int, int, error) {
	limit, offset := 100, 0
	var err error
	if limitStr != "" {
		if limit, err = strconv.Atoi(limitStr); err != nil || limit < 0 {
			return 0, 0, engine.NewInvalidParamError(fmt.Sprintf("invalid limit %q", limitStr), err)
		}
	}
	if offsetStr != "" {
		if offset, err = strconv.Atoi(offsetStr); err != nil || offset < 0 {
			return 0, 0, engine.NewInvalidParamError(fmt.Sprintf("invalid offset %q", offsetStr), err)
		}
	}
	return limit, offset, nil
}
