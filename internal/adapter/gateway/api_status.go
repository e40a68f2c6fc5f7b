package gateway

import (
	"net/http"
)

// HealthResponse is the body returned by GET /healthz.
type HealthResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Backends      []string `json:"backends"`
	Models        int      `json:"models"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(s.clock.Since(s.started).Seconds()),
		Backends:      s.backends.List(),
		Models:        len(s.cfg.Composites),
	})
}

// handleModels lists every composite model under its public id.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	active, _ := s.cfg.ActiveComposite()
	created := s.started.Unix()

	list := ModelList{Object: "list", Data: make([]Model, 0, len(s.cfg.Composites))}
	for i := range s.cfg.Composites {
		c := &s.cfg.Composites[i]
		meta := ModelMetadata{
			DisplayName: c.Alias,
			TargetModel: s.backendModel(c.Target),
			Active:      c == active,
		}
		if c.Reasoning != "" {
			meta.ReasoningModel = s.backendModel(c.Reasoning)
		}
		list.Data = append(list.Data, Model{
			ID:       c.ModelID(),
			Object:   "model",
			Created:  created,
			OwnedBy:  "reasonchain",
			Metadata: meta,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) backendModel(name string) string {
	b, err := s.cfg.Backend(name)
	if err != nil {
		return ""
	}
	return b.Model
}
