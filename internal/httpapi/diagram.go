package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/defiflow/internal/diagram"
)

// handleDiagram renders the stage pipeline of one execution.
// format: mermaid (default), ascii, svg or png.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Reader.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	model := diagram.Build(snap)

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		writeText(w, "text/plain; charset=utf-8", diagram.RenderMermaid(model))
	case "ascii":
		writeText(w, "text/plain; charset=utf-8", diagram.RenderASCII(model))
	case "svg", "png":
		img, err := diagram.RenderImage(r.Context(), model, diagram.ImageFormat(format))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		contentType := "image/png"
		if format == "svg" {
			contentType = "image/svg+xml"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, "format must be one of mermaid, ascii, svg, png")
	}
}

func writeText(w http.ResponseWriter, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
