package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nubla/slicer/pkg/errdefs"
)

type importImageRequest struct {
	Name        string `json:"nombre"`
	Description string `json:"descripcion"`
	URL         string `json:"url"`
}

// createImage admits an image either as a multipart upload (field
// `imagen`, with `nombre` and `descripcion` form values) or as a JSON
// body naming a download URL.
func (s *Server) createImage(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		file, _, err := r.FormFile("imagen")
		if err != nil {
			writeError(w, errdefs.Validation("multipart upload needs an imagen file field"))
			return
		}
		defer file.Close()

		image, err := s.images.ImportFromFile(r.Context(), r.FormValue("nombre"), r.FormValue("descripcion"), file)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, image)
		return
	}

	var req importImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation("malformed image request"))
		return
	}
	if req.URL == "" {
		writeError(w, errdefs.Validation("image request needs a url"))
		return
	}

	image, err := s.images.ImportFromURL(r.Context(), req.Name, req.Description, req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, image)
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	list, err := s.images.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "imageID"))
	if err != nil {
		writeError(w, errdefs.Validation("image id must be numeric"))
		return
	}

	image, err := s.images.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, image)
}

func (s *Server) deleteImage(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "imageID"))
	if err != nil {
		writeError(w, errdefs.Validation("image id must be numeric"))
		return
	}

	if err := s.images.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "image deleted"})
}
