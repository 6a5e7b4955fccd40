package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	healthData := map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"rules":          len(s.rules.All()),
	}
	if s.flows != nil {
		healthData["open_flows"] = s.flows.Len()
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}

// rulesHandler routes GET /rules and GET /rules/{id}.
func (s *Server) rulesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/rules"), "/")
	switch {
	case rest == "":
		s.listRulesHandler(w, r)
	case !strings.Contains(rest, "/"):
		s.getRuleHandler(w, r, rest)
	default:
		writeError(w, http.StatusNotFound, "Unknown rules endpoint")
	}
}

// listRulesHandler handles GET /rules[?user_id=...]. It reads the loaded
// snapshot, which is exactly what the matcher answers from.
func (s *Server) listRulesHandler(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("user_id")
	views := make([]models.RuleView, 0)
	for _, rule := range s.rules.All() {
		if owner != "" && rule.UserID != owner {
			continue
		}
		views = append(views, models.NewRuleView(rule))
	}
	slog.Debug("Server.listRulesHandler: returning rules", "count", len(views), "owner_filter", owner != "")
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

// getRuleHandler handles GET /rules/{id}, including soft-deleted rules.
func (s *Server) getRuleHandler(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid rule id")
		return
	}
	if s.repo == nil {
		writeError(w, http.StatusNotFound, "Rule not found")
		return
	}
	rule, err := s.repo.Get(r.Context(), id)
	if err != nil {
		slog.Error("Server.getRuleHandler: lookup failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to load rule")
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "Rule not found")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(models.NewRuleView(*rule)))
}

// mediaHandler serves published images without directory listings.
func mediaHandler(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, "GET, HEAD")
			return
		}
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}
