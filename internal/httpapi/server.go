// Package httpapi exposes the sheet CRUD, link, and field-write boundary
// over HTTP, plus a websocket stream of change events. Authentication is
// deliberately absent; the surrounding deployment fronts this service.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/dicetable/sheetbase/internal/sheets"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

type Server struct {
	store *sheets.Store
	cfg   ServerConfig
}

func NewServer(store *sheets.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *sheets.Store, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{store: store, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/events/ws" && r.Method == http.MethodGet {
		s.handleEventsWS(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "sheets" && r.Method == http.MethodGet:
		s.handleQuerySheets(w, r)
	case len(parts) == 2 && parts[0] == "v1" && parts[1] == "sheets" && r.Method == http.MethodPost:
		s.handleImportSheet(w, r)
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sheets" && r.Method == http.MethodGet:
		s.handleGetSheet(w, parts[2])
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "sheets" && r.Method == http.MethodDelete:
		s.handleDeleteSheet(w, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "channels" && parts[3] == "links" && r.Method == http.MethodGet:
		s.handleListLinks(w, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "channels" && parts[3] == "links" && r.Method == http.MethodPost:
		s.handleLink(w, r, parts[2])
	case len(parts) == 6 && parts[0] == "v1" && parts[1] == "channels" && parts[3] == "members" && parts[5] == "sheet" && r.Method == http.MethodGet:
		s.handleResolveSheet(w, parts[2], parts[4])
	case len(parts) == 7 && parts[0] == "v1" && parts[1] == "channels" && parts[3] == "members" && parts[5] == "sheet" && parts[6] == "fields" && r.Method == http.MethodPut:
		s.handleWriteField(w, r, parts[2], parts[4])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleQuerySheets(w http.ResponseWriter, r *http.Request) {
	q := sheets.Query{
		Name: strings.TrimSpace(r.URL.Query().Get("name")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Types = append(q.Types, sheets.SheetType(t))
			}
		}
	}
	switch strings.TrimSpace(r.URL.Query().Get("template")) {
	case "true":
		yes := true
		q.IsTemplate = &yes
	case "false":
		no := false
		q.IsTemplate = &no
	case "":
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "template must be true or false")
		return
	}
	result := s.store.Query(q)
	if result == nil {
		result = []sheets.Sheet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sheets": result})
}

func (s *Server) handleImportSheet(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if !s.decodeJSONBody(w, r, &doc) {
		return
	}
	sheet, err := s.store.Import(doc)
	if err != nil {
		if errors.Is(err, sheets.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_sheet", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "import failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sheet": sheet})
}

func (s *Server) handleGetSheet(w http.ResponseWriter, rawName string) {
	name, ok := unescapePathValue(w, rawName)
	if !ok {
		return
	}
	sheet, found := s.store.Get(name)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "sheet not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sheet": sheet})
}

func (s *Server) handleDeleteSheet(w http.ResponseWriter, rawName string) {
	name, ok := unescapePathValue(w, rawName)
	if !ok {
		return
	}
	s.store.Delete(name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListLinks(w http.ResponseWriter, rawChannelID string) {
	channelID, ok := unescapePathValue(w, rawChannelID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": s.store.Links(channelID)})
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request, rawChannelID string) {
	channelID, ok := unescapePathValue(w, rawChannelID)
	if !ok {
		return
	}
	var req struct {
		SheetName string `json:"sheetName"`
		UserID    string `json:"userId"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.store.Link(channelID, req.SheetName, req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid link request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResolveSheet(w http.ResponseWriter, rawChannelID, rawUserID string) {
	channelID, ok := unescapePathValue(w, rawChannelID)
	if !ok {
		return
	}
	userID, ok := unescapePathValue(w, rawUserID)
	if !ok {
		return
	}
	view, found := s.store.SheetFor(channelID, userID)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no sheet linked")
		return
	}
	sheet, live := view.Sheet()
	if !live {
		writeError(w, http.StatusNotFound, "not_found", "no sheet linked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sheet": sheet})
}

func (s *Server) handleWriteField(w http.ResponseWriter, r *http.Request, rawChannelID, rawUserID string) {
	channelID, ok := unescapePathValue(w, rawChannelID)
	if !ok {
		return
	}
	userID, ok := unescapePathValue(w, rawUserID)
	if !ok {
		return
	}
	var req struct {
		Key   string `json:"key"`
		Value any    `json:"value"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "key is required")
		return
	}
	view, found := s.store.SheetFor(channelID, userID)
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no sheet linked")
		return
	}
	changed := view.Set(req.Key, req.Value)
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func unescapePathValue(w http.ResponseWriter, raw string) (string, bool) {
	value, err := url.PathUnescape(raw)
	if err != nil || value == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid path segment")
		return "", false
	}
	return value, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
