package web

import (
	"errors"
	"net/http"

	"github.com/TiagoJoseMS/script-manager/internal/scripts"
)

type runScriptRequest struct {
	Path string `json:"path"`
}

type sourceRequest struct {
	Name    string `json:"name"`
	LuaCode string `json:"lua_code"`
}

type localeRequest struct {
	Locale string `json:"locale"`
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.ListScripts())
}

func (s *Server) handleScriptSource(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	src, err := s.svc.GetSource(path)
	if err != nil {
		s.writeServiceError(w, "read script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"path": path, "lua_code": src})
}

// handleRunScript always answers 200 with the execution result; a failed
// or unknown script is reported through result.fault.
func (s *Server) handleRunScript(w http.ResponseWriter, r *http.Request) {
	var req runScriptRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.Run(r.Context(), req.Path))
}

func (s *Server) handleRunInline(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.svc.RunSource(r.Context(), req.Name, req.LuaCode))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	report := s.svc.Validate(req.LuaCode)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"findings": report.Findings,
		"warnings": report.Warnings(),
	})
}

func (s *Server) handleSaveScript(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	d, err := s.svc.Save(req.Name, req.LuaCode)
	if err != nil {
		s.writeServiceError(w, "save script", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if err := s.svc.Delete(path); err != nil {
		s.writeServiceError(w, "delete script", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Refresh()
	if err != nil {
		s.writeServiceError(w, "refresh scripts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOpenFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.OpenScriptsFolder(); err != nil {
		s.writeServiceError(w, "open scripts folder", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "dir": s.svc.Status().Dir})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"locale":  s.svc.Locale(),
		"locales": scripts.Locales(),
	})
}

func (s *Server) handleSetLocale(w http.ResponseWriter, r *http.Request) {
	var req localeRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Locale == "" {
		s.writeError(w, http.StatusBadRequest, "locale is required")
		return
	}
	locale, err := s.svc.SetLocale(req.Locale)
	if err != nil {
		s.writeServiceError(w, "set locale", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"locale": locale})
}

func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, scripts.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scripts.ErrInvalidName):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
