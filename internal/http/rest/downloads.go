package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/modelshelf/internal/logctx"
	"github.com/italolelis/modelshelf/internal/settings"
	"github.com/italolelis/modelshelf/internal/storage"
	"github.com/italolelis/modelshelf/internal/transfer"
)

const (
	defaultHistoryLimit = 100
	maxRequestBody      = 1 << 20
)

// Downloads is the part of the download manager exposed over HTTP.
type Downloads interface {
	Enqueue(ownerID, fileName, url string, size int64) (string, error)
	Pause(id string)
	Resume(id string)
	Cancel(id string, deletePartial bool)
	Item(id string) (transfer.Item, bool)
	Items() []transfer.Item
	SetMaxConcurrent(n int)
}

type EnqueueRequest struct {
	OwnerID  string `json:"owner_id"`
	FileName string `json:"file_name"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
}

type ControlRequest struct {
	ID            string `json:"id"`
	DeletePartial bool   `json:"delete_partial"`
}

type ItemResponse struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	FileName       string         `json:"file_name"`
	URL            string         `json:"url"`
	Path           string         `json:"path"`
	TotalSize      int64          `json:"total_size"`
	DownloadedSize int64          `json:"downloaded_size"`
	Progress       float64        `json:"progress"`
	State          transfer.State `json:"state"`
	Active         bool           `json:"active"`
	Finished       bool           `json:"finished"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Speed          float64        `json:"speed"`
	ETASeconds     *float64       `json:"eta_seconds,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type HistoryResponse struct {
	DownloadID   string     `json:"download_id"`
	OwnerID      string     `json:"owner_id"`
	FileName     string     `json:"file_name"`
	LocalPath    string     `json:"local_path"`
	Size         int64      `json:"size"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewItemResponse(item transfer.Item) ItemResponse {
	resp := ItemResponse{
		ID:             item.ID,
		OwnerID:        item.OwnerID,
		FileName:       item.FileName,
		URL:            item.URL,
		Path:           item.Path,
		TotalSize:      item.TotalSize,
		DownloadedSize: item.DownloadedSize,
		Progress:       item.Progress(),
		State:          item.State,
		Active:         item.IsActive(),
		Finished:       item.IsFinished(),
		ErrorMessage:   item.ErrorMessage,
		Speed:          item.Speed,
		CreatedAt:      item.CreatedAt,
	}

	if item.ETA != nil {
		eta := item.ETA.Seconds()
		resp.ETASeconds = &eta
	}

	return resp
}

type DownloadsHandler struct {
	downloads Downloads
	history   storage.HistoryReadRepository
	settings  *settings.Store
	username  string
	password  string
}

// NewDownloadsHandler creates the download control handler. history and store may be
// nil, in which case their routes answer 404. Empty credentials disable basic auth.
func NewDownloadsHandler(d Downloads, history storage.HistoryReadRepository, store *settings.Store, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		downloads: d,
		history:   history,
		settings:  store,
		username:  username,
		password:  password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleEnqueue)
		r.Get("/item", h.HandleGet)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/cancel", h.HandleCancel)
	})

	r.Get("/history", h.HandleHistory)
	r.Get("/settings", h.HandleGetSettings)
	r.Put("/settings", h.HandlePutSettings)

	return r
}

// HandleList returns every known download in enqueue order.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	items := h.downloads.Items()

	resp := make([]ItemResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, NewItemResponse(item))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	item, ok := h.downloads.Item(r.URL.Query().Get("id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "download not found")

		return
	}

	writeJSON(w, r, http.StatusOK, NewItemResponse(item))
}

// HandleEnqueue registers a download. Enqueuing a known file answers 200 instead of 201.
func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if !decode(w, r, &req) {
		return
	}

	if req.URL == "" {
		writeError(w, r, http.StatusBadRequest, "url is required")

		return
	}

	_, existed := h.downloads.Item(transfer.ItemID(req.OwnerID, req.FileName))

	id, err := h.downloads.Enqueue(req.OwnerID, req.FileName, req.URL, req.Size)
	if errors.Is(err, transfer.ErrInvalidItem) {
		writeError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	if err != nil {
		logger.Error("failed to enqueue download", "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to enqueue download")

		return
	}

	item, _ := h.downloads.Item(id)

	status := http.StatusCreated
	if existed {
		status = http.StatusOK
	}

	writeJSON(w, r, status, NewItemResponse(item))
}

func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(req ControlRequest) { h.downloads.Pause(req.ID) })
}

func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(req ControlRequest) { h.downloads.Resume(req.ID) })
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(req ControlRequest) { h.downloads.Cancel(req.ID, req.DeletePartial) })
}

// control applies op to a known download and answers with its new snapshot.
// Inapplicable operations are not errors; the unchanged snapshot is returned.
func (h *DownloadsHandler) control(w http.ResponseWriter, r *http.Request, op func(ControlRequest)) {
	var req ControlRequest
	if !decode(w, r, &req) {
		return
	}

	if _, ok := h.downloads.Item(req.ID); !ok {
		writeError(w, r, http.StatusNotFound, "download not found")

		return
	}

	op(req)

	item, _ := h.downloads.Item(req.ID)
	writeJSON(w, r, http.StatusOK, NewItemResponse(item))
}

func (h *DownloadsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, r, http.StatusNotFound, "history is not enabled")

		return
	}

	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = n
	}

	records, err := h.history.GetHistory(r.Context(), limit)
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to read history", "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to read history")

		return
	}

	resp := make([]HistoryResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, HistoryResponse(rec))
	}

	writeJSON(w, r, http.StatusOK, resp)
}

func (h *DownloadsHandler) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		writeError(w, r, http.StatusNotFound, "settings are not enabled")

		return
	}

	writeJSON(w, r, http.StatusOK, h.settings.Get())
}

// HandlePutSettings replaces the settings. A new concurrency limit applies immediately;
// a new download folder applies to the next start.
func (h *DownloadsHandler) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	if h.settings == nil {
		writeError(w, r, http.StatusNotFound, "settings are not enabled")

		return
	}

	var req settings.Settings
	if !decode(w, r, &req) {
		return
	}

	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())

		return
	}

	updated, err := h.settings.Update(func(s *settings.Settings) { *s = req })
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to save settings", "err", err)
		writeError(w, r, http.StatusInternalServerError, "failed to save settings")

		return
	}

	h.downloads.SetMaxConcurrent(updated.MaxConcurrentDownloads)

	writeJSON(w, r, http.StatusOK, updated)
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="modelshelf"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Debug("failed to decode request", "err", err)
		writeError(w, r, http.StatusBadRequest, "invalid request body")

		return false
	}

	return true
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}
