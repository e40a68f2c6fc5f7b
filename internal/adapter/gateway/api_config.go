package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"reasonchain/internal/domain"
	"reasonchain/internal/infra/config"
	"reasonchain/internal/infra/logger"
)

// maskedMarker appears in every masked secret. A secret sent back to
// config_save still carrying it keeps the value already on disk.
const maskedMarker = "***"

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Token string `json:"token"`
}

// ConfigResponse is the body of the config endpoints.
type ConfigResponse struct {
	Success         bool           `json:"success"`
	Config          map[string]any `json:"config,omitempty"`
	RestartRequired bool           `json:"restart_required,omitempty"`
}

// handleLogin lets a UI check a key before storing it.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_json", "invalid JSON body")
		return
	}
	key := s.cfg.Server.APIKey
	if key != "" && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(req.Token)), []byte(key)) != 1 {
		s.logger.Warn("login with invalid api key", "request_id", requestID(r))
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid_api_key", "Invalid token")
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{Success: true})
}

// handleConfigGet returns the config file as written, secrets masked.
func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.ReadFile(s.configPath)
	if err != nil {
		s.logger.Error("config read failed", "path", s.configPath, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "config_read_failed", "failed to read configuration")
		return
	}
	maskSecrets(cfg)
	doc, err := config.Document(cfg)
	if err != nil {
		s.logger.Error("config render failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "config_read_failed", "failed to read configuration")
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{Success: true, Config: doc})
}

// handleConfigSave validates the posted document and replaces the config
// file. The running gateway keeps its current config until restarted.
func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request_too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_body", "failed to read body")
		return
	}
	// Clients may post the document directly or wrapped as {"config": {...}}.
	var wrapped struct {
		Config json.RawMessage `json:"config"`
	}
	if json.Unmarshal(body, &wrapped) == nil && len(wrapped.Config) > 0 {
		body = wrapped.Config
	}

	next, err := config.Decode(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_config", "invalid configuration document")
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	current, err := config.ReadFile(s.configPath)
	if err != nil {
		s.logger.Error("config read failed", "path", s.configPath, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "config_save_failed", "failed to save configuration")
		return
	}
	if field := restoreSecrets(next, current); field != "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_config", field+" is masked and has no stored value")
		return
	}

	if err := config.Save(s.configPath, next); err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid_config", err.Error())
			return
		}
		s.logger.Error("config save failed", "path", s.configPath, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "config_save_failed", "failed to save configuration")
		return
	}
	s.logger.Info("config saved", "path", s.configPath, "request_id", requestID(r))
	writeJSON(w, http.StatusOK, ConfigResponse{Success: true, RestartRequired: true})
}

// maskSecret hides a credential. Values the log redactor recognises keep
// their recognisable prefix.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if r := logger.Redact(s); r != s {
		return r
	}
	return maskedMarker
}

func maskSecrets(cfg *config.Config) {
	cfg.Server.APIKey = maskSecret(cfg.Server.APIKey)
	for i := range cfg.Backends {
		cfg.Backends[i].APIKey = maskSecret(cfg.Backends[i].APIKey)
	}
}

// restoreSecrets puts stored values back wherever next still holds a mask.
// Backends are matched by name. It returns the first masked field that has
// nothing stored to restore.
func restoreSecrets(next, stored *config.Config) string {
	if isMasked(next.Server.APIKey) {
		if stored.Server.APIKey == "" {
			return "server.api_key"
		}
		next.Server.APIKey = stored.Server.APIKey
	}
	for i := range next.Backends {
		b := &next.Backends[i]
		if !isMasked(b.APIKey) {
			continue
		}
		prev, err := stored.Backend(b.Name)
		if err != nil || prev.APIKey == "" {
			return "backends." + b.Name + ".api_key"
		}
		b.APIKey = prev.APIKey
	}
	return ""
}

func isMasked(s string) bool { return strings.Contains(s, maskedMarker) }
