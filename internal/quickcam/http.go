package quickcam

import (
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

const streamBoundary = "oestreamboundary"

// Handler exposes a Pump over HTTP: a single-shot snapshot and a
// multipart/x-mixed-replace MJPEG stream, matching the webcam API Bambu's
// own apps poll.
type Handler struct {
	pump *Pump
}

func NewHandler(pump *Pump) *Handler {
	return &Handler{pump: pump}
}

func (h *Handler) Register(router *httprouter.Router) {
	router.GET("/webcam/snapshot", h.snapshot)
	router.GET("/webcam/stream", h.stream)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	img := h.pump.GetCurrentImage(r.Context())
	if img == nil {
		http.Error(w, "no camera frame available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(img)
}

// stream serves multipart/x-mixed-replace, doubling the first frame emitted
// since some MJPEG clients buffer one frame behind before rendering.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", streamBoundary))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	frames := make(chan []byte, 1)
	sub := h.pump.AttachImageStreamCallback(func(jpeg []byte) {
		select {
		case frames <- jpeg:
		default: // drop if the client hasn't consumed the last frame yet
		}
	})
	defer h.pump.DetachImageStreamCallback(sub)

	first := true
	for {
		select {
		case <-r.Context().Done():
			return
		case jpeg := <-frames:
			if err := writeFramePart(w, jpeg); err != nil {
				return
			}
			if first {
				if err := writeFramePart(w, jpeg); err != nil {
					return
				}
				first = false
			}
			flusher.Flush()
		}
	}
}

func writeFramePart(w http.ResponseWriter, jpeg []byte) error {
	_, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", streamBoundary, len(jpeg))
	if err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err = fmt.Fprint(w, "\r\n")
	return err
}

