package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/louisbranch/tablesync/internal/platform/errors"
	"github.com/louisbranch/tablesync/internal/services/sync/storage"
)

const (
	maxImportBodyBytes = 8 << 20
	maxImportImages    = 50
	maxImportTypeRunes = 64
)

type importRequest struct {
	Type      string          `json:"type"`
	SourceURL string          `json:"sourceUrl"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Images    []string        `json:"images"`
}

type importResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

type importView struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SourceURL  string          `json:"sourceUrl,omitempty"`
	CapturedAt int64           `json:"timestamp,omitempty"`
	Data       json.RawMessage `json:"data"`
	Images     []string        `json:"images,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// importHandler accepts content captured by ingestion clients. It is plain
// request/response storage and never touches live sessions.
type importHandler struct {
	store storage.ImportStore
	auth  Authenticator
	newID func() string
	now   func() time.Time
}

func (h importHandler) create(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBodyBytes)
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeImportJSON(w, http.StatusBadRequest, importResponse{Error: "invalid import payload"})
		return
	}
	rec, err := h.record(req)
	if err != nil {
		writeImportJSON(w, http.StatusBadRequest, importResponse{Error: err.Error()})
		return
	}
	if err := h.store.PutImport(r.Context(), rec); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			writeImportJSON(w, http.StatusConflict, importResponse{Error: "import already exists"})
			return
		}
		log.Printf("sync: store import %s: %v", rec.ID, err)
		writeImportJSON(w, http.StatusInternalServerError, importResponse{Error: "import storage unavailable"})
		return
	}
	log.Printf("sync: stored %s import %s", rec.Type, rec.ID)
	writeImportJSON(w, http.StatusCreated, importResponse{Success: true, ID: rec.ID})
}

func (h importHandler) get(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	rec, err := h.store.GetImport(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "import not found", http.StatusNotFound)
			return
		}
		log.Printf("sync: load import %s: %v", r.PathValue("id"), err)
		http.Error(w, "import storage unavailable", http.StatusInternalServerError)
		return
	}
	view := importView{
		ID:        rec.ID,
		Type:      rec.Type,
		SourceURL: rec.SourceURL,
		Data:      rec.Data,
		Images:    rec.Images,
		CreatedAt: rec.CreatedAt,
	}
	if !rec.CapturedAt.IsZero() {
		view.CapturedAt = rec.CapturedAt.UnixMilli()
	}
	writeImportJSON(w, http.StatusOK, view)
}

func (h importHandler) authorize(w http.ResponseWriter, r *http.Request) bool {
	if h.auth == nil {
		return true
	}
	if _, err := h.auth.Authenticate(r.Context(), tokenFromRequest(r)); err != nil {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return false
	}
	return true
}

func (h importHandler) record(req importRequest) (storage.ImportRecord, error) {
	kind := strings.TrimSpace(req.Type)
	if kind == "" || len([]rune(kind)) > maxImportTypeRunes {
		return storage.ImportRecord{}, apperrors.New(apperrors.CodeImportInvalid, "type is required and must be at most 64 characters")
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		return storage.ImportRecord{}, apperrors.New(apperrors.CodeImportInvalid, "data is required")
	}
	source := strings.TrimSpace(req.SourceURL)
	if source != "" && !isWebURL(source) {
		return storage.ImportRecord{}, apperrors.New(apperrors.CodeImportInvalid, "sourceUrl must be an http(s) URL")
	}
	if len(req.Images) > maxImportImages {
		return storage.ImportRecord{}, apperrors.New(apperrors.CodeImportInvalid, "too many images")
	}
	images := make([]string, 0, len(req.Images))
	for _, image := range req.Images {
		image = strings.TrimSpace(image)
		if image == "" {
			continue
		}
		if !isWebURL(image) && !strings.HasPrefix(image, "data:image/") {
			return storage.ImportRecord{}, apperrors.New(apperrors.CodeImportInvalid, "images must be http(s) or data URLs")
		}
		images = append(images, image)
	}

	rec := storage.ImportRecord{
		ID:        h.newID(),
		Type:      kind,
		SourceURL: source,
		Data:      req.Data,
		Images:    images,
		CreatedAt: h.now().UTC(),
	}
	if req.Timestamp > 0 {
		rec.CapturedAt = time.UnixMilli(req.Timestamp).UTC()
	}
	return rec, nil
}

func isWebURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func writeImportJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("sync: write import response: %v", err)
	}
}

func newImportHandler(store storage.ImportStore, auth Authenticator) importHandler {
	return importHandler{store: store, auth: auth, newID: uuid.NewString, now: time.Now}
}
