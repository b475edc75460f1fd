package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/firmware_updater/internal/config"
	"github.com/italolelis/firmware_updater/internal/controller"
	"github.com/italolelis/firmware_updater/internal/feed"
	"github.com/italolelis/firmware_updater/internal/install"
	"github.com/italolelis/firmware_updater/internal/logctx"
	"github.com/italolelis/firmware_updater/internal/update"
)

// Controller is the part of the lifecycle controller the API drives.
type Controller interface {
	Updates() []update.Snapshot
	Update(id string) (update.Snapshot, bool)
	IsDownloading(id string) bool
	StartDownload(ctx context.Context, id string)
	ResumeDownload(ctx context.Context, id string)
	PauseDownload(ctx context.Context, id string)
	DeleteUpdate(ctx context.Context, id string) bool

	Install(ctx context.Context, id string) error
	CancelInstall(ctx context.Context) bool
	SuspendInstall(ctx context.Context) bool
	ResumeInstall(ctx context.Context) bool
	SetPerformanceMode(ctx context.Context, enable bool)
	IsInstalling() bool
	IsInstallingStreaming() bool
	IsInstallSuspended() bool

	Subscribe(kinds ...controller.EventKind) (<-chan controller.Event, func())
}

// FeedChecker refreshes the update feed on demand.
type FeedChecker interface {
	Check(ctx context.Context) (feed.Result, error)
}

// UpdateView is a record as the API returns it.
type UpdateView struct {
	update.Snapshot
	// Installable tells whether the running build accepts this update.
	Installable bool `json:"installable"`
}

type InstallView struct {
	Installing bool `json:"installing"`
	Streaming  bool `json:"streaming"`
	Suspended  bool `json:"suspended"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type UpdatesHandler struct {
	ctrl    Controller
	checker FeedChecker
	build   config.Build
}

// NewUpdatesHandler creates the update control API. checker may be nil when no feed is configured.
func NewUpdatesHandler(ctrl Controller, checker FeedChecker, build config.Build) *UpdatesHandler {
	return &UpdatesHandler{ctrl: ctrl, checker: checker, build: build}
}

func (h *UpdatesHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/updates", h.HandleList)
	r.Post("/updates/check", h.HandleCheck)
	r.Route("/updates/{id}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Delete("/", h.HandleDelete)
		r.Post("/download", h.HandleDownload)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/install", h.HandleInstall)
	})

	r.Get("/install", h.HandleInstallStatus)
	r.Post("/install/cancel", h.HandleInstallCancel)
	r.Post("/install/suspend", h.HandleInstallSuspend)
	r.Post("/install/resume", h.HandleInstallResume)
	r.Put("/install/performance-mode", h.HandlePerformanceMode)

	r.Get("/events", h.HandleEvents)

	return r
}

func (h *UpdatesHandler) view(s update.Snapshot) UpdateView {
	return UpdateView{Snapshot: s, Installable: feed.CanInstall(s.Info(), h.build)}
}

func (h *UpdatesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	snaps := h.ctrl.Updates()

	views := make([]UpdateView, 0, len(snaps))
	for _, s := range snaps {
		views = append(views, h.view(s))
	}

	writeJSON(r.Context(), w, http.StatusOK, views)
}

func (h *UpdatesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, h.view(snap))
}

func (h *UpdatesHandler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "no update feed configured")

		return
	}

	res, err := h.checker.Check(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("update feed check failed", "err", err)
		writeError(r.Context(), w, http.StatusBadGateway, "update feed check failed")

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, map[string]any{
		"updates":     len(res.Updates),
		"new_updates": res.NewUpdates,
	})
}

func (h *UpdatesHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	h.transferAction(w, r, h.ctrl.StartDownload)
}

func (h *UpdatesHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.transferAction(w, r, h.ctrl.ResumeDownload)
}

func (h *UpdatesHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if !h.ctrl.IsDownloading(snap.DownloadID) {
		writeError(r.Context(), w, http.StatusConflict, "update is not downloading")

		return
	}

	h.ctrl.PauseDownload(r.Context(), snap.DownloadID)
	h.writeCurrent(w, r, snap.DownloadID, http.StatusOK)
}

func (h *UpdatesHandler) transferAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string)) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if h.ctrl.IsDownloading(snap.DownloadID) {
		writeError(r.Context(), w, http.StatusConflict, "update is already downloading")

		return
	}

	// the transfer outlives the request
	action(context.WithoutCancel(r.Context()), snap.DownloadID)
	h.writeCurrent(w, r, snap.DownloadID, http.StatusAccepted)
}

func (h *UpdatesHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if !h.ctrl.DeleteUpdate(r.Context(), snap.DownloadID) {
		writeError(r.Context(), w, http.StatusConflict, "update is downloading or installing")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *UpdatesHandler) HandleInstall(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if !feed.CanInstall(snap.Info(), h.build) {
		writeError(r.Context(), w, http.StatusConflict, "update cannot be installed on this build")

		return
	}

	err := h.ctrl.Install(context.WithoutCancel(r.Context()), snap.DownloadID)

	switch {
	case err == nil:
		h.writeCurrent(w, r, snap.DownloadID, http.StatusAccepted)
	case errors.Is(err, install.ErrUnknownUpdate):
		writeError(r.Context(), w, http.StatusNotFound, err.Error())
	case errors.Is(err, install.ErrNotVerified), errors.Is(err, install.ErrAlreadyInstalling):
		writeError(r.Context(), w, http.StatusConflict, err.Error())
	case errors.Is(err, controller.ErrStreamingUnsupported):
		writeError(r.Context(), w, http.StatusUnprocessableEntity, err.Error())
	default:
		logctx.LoggerFromContext(r.Context()).Error("failed to install update", "download_id", snap.DownloadID, "err", err)
		writeError(r.Context(), w, http.StatusInternalServerError, "failed to install update")
	}
}

func (h *UpdatesHandler) HandleInstallStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, h.installView())
}

func (h *UpdatesHandler) HandleInstallCancel(w http.ResponseWriter, r *http.Request) {
	h.installAction(w, r, h.ctrl.CancelInstall, "no installation can be cancelled")
}

func (h *UpdatesHandler) HandleInstallSuspend(w http.ResponseWriter, r *http.Request) {
	h.installAction(w, r, h.ctrl.SuspendInstall, "no installation can be suspended")
}

func (h *UpdatesHandler) HandleInstallResume(w http.ResponseWriter, r *http.Request) {
	h.installAction(w, r, h.ctrl.ResumeInstall, "no suspended installation")
}

func (h *UpdatesHandler) installAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context) bool, conflict string) {
	if !action(r.Context()) {
		writeError(r.Context(), w, http.StatusConflict, conflict)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, h.installView())
}

func (h *UpdatesHandler) HandlePerformanceMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")

		return
	}

	h.ctrl.SetPerformanceMode(r.Context(), *req.Enabled)
	w.WriteHeader(http.StatusNoContent)
}

func (h *UpdatesHandler) installView() InstallView {
	return InstallView{
		Installing: h.ctrl.IsInstalling(),
		Streaming:  h.ctrl.IsInstallingStreaming(),
		Suspended:  h.ctrl.IsInstallSuspended(),
	}
}

func (h *UpdatesHandler) lookup(w http.ResponseWriter, r *http.Request) (update.Snapshot, bool) {
	id := chi.URLParam(r, "id")

	snap, ok := h.ctrl.Update(id)
	if !ok {
		writeError(r.Context(), w, http.StatusNotFound, "update not found")

		return update.Snapshot{}, false
	}

	return snap, true
}

func (h *UpdatesHandler) writeCurrent(w http.ResponseWriter, r *http.Request, id string, status int) {
	snap, ok := h.ctrl.Update(id)
	if !ok {
		w.WriteHeader(status)

		return
	}

	writeJSON(r.Context(), w, status, h.view(snap))
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(ctx, w, status, errorResponse{Error: msg})
}
