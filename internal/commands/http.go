package commands

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Handler exposes Commands as a small JSON HTTP API: POST actions for
// pause/resume/cancel/light, and a GET for the current job status.
type Handler struct {
	cmds *Commands
}

func NewHandler(cmds *Commands) *Handler {
	return &Handler{cmds: cmds}
}

func (h *Handler) Register(router *httprouter.Router) {
	router.GET("/print/status", h.status)
	router.POST("/print/pause", h.action(h.cmds.Pause))
	router.POST("/print/resume", h.action(h.cmds.Resume))
	router.POST("/print/cancel", h.action(h.cmds.Cancel))
	router.POST("/print/light/on", h.setLight(true))
	router.POST("/print/light/off", h.setLight(false))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.cmds.GetJobStatus())
}

func (h *Handler) action(fn func() error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := fn(); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) setLight(on bool) httprouter.Handle {
	return h.action(func() error { return h.cmds.SetLight(on) })
}
