package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nubla/slicer/pkg/auth"
	"github.com/nubla/slicer/pkg/driver"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/events"
	"github.com/nubla/slicer/pkg/planner"
	"github.com/nubla/slicer/pkg/queue"
	"github.com/nubla/slicer/pkg/topology"
	"github.com/nubla/slicer/pkg/types"
)

// maxRequestBytes bounds the slice request document.
const maxRequestBytes = 1 << 20

// sliceView shadows the raw document column with inline JSON.
type sliceView struct {
	*types.Slice
	RequestDoc json.RawMessage `json:"peticion_json,omitempty"`
}

func viewSlice(slice *types.Slice) *sliceView {
	return &sliceView{Slice: slice, RequestDoc: json.RawMessage(slice.RequestDoc)}
}

func viewSlices(slices []*types.Slice) []*sliceView {
	views := make([]*sliceView, 0, len(slices))
	for _, slice := range slices {
		views = append(views, viewSlice(slice))
	}
	return views
}

// createSlice validates the request document, persists the row and
// drives the pipeline: publish to the zone's mapping queue, then block
// on the completion waiter until the slice deploys or fails.
func (s *Server) createSlice(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, errdefs.Validation("unreadable request body"))
		return
	}

	req, err := topology.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := s.imagesExist(req); err != nil {
		writeError(w, err)
		return
	}

	doc, err := req.Encode()
	if err != nil {
		writeError(w, err)
		return
	}

	slice := &types.Slice{
		Owner:      identity.ID,
		Name:       strings.TrimSpace(req.SliceName),
		Zone:       types.Zone(req.Zone),
		Kind:       types.SliceValidated,
		RequestDoc: doc,
	}
	if err := s.store.CreateSlice(slice); err != nil {
		writeError(w, err)
		return
	}
	s.events.Publish(&events.Event{Type: events.EventSliceValidated, SliceID: slice.ID})

	// Register the waiter before publishing so a fast pipeline cannot
	// complete between the publish and the wait.
	wait := s.events.SliceWaiter(slice.ID)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Timeouts.Deploy)
	defer cancel()

	order, err := json.Marshal(&planner.WorkOrder{SliceID: slice.ID})
	if err == nil {
		err = s.queues.Queue(queue.VLANMappingQueue(slice.Zone)).Publish(order)
	}
	if err != nil {
		cancel()
		_ = wait(ctx)
		writeError(w, err)
		return
	}

	waitErr := wait(ctx)

	final, err := s.store.GetSlice(slice.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	// The row is authoritative: a deploy that lands right at the
	// deadline is still a deploy.
	if waitErr != nil && final.Kind != types.SliceDeployed {
		writeError(w, waitErr)
		return
	}
	writeJSON(w, http.StatusOK, viewSlice(final))
}

// imagesExist checks every referenced image against the registry.
func (s *Server) imagesExist(req *topology.Request) error {
	seen := map[string]bool{}
	for _, spec := range req.Document.AllVMs() {
		if seen[spec.Image] {
			continue
		}
		seen[spec.Image] = true

		if _, err := s.store.GetImageByName(spec.Image); err != nil {
			if errdefs.Is(err, errdefs.KindNotFound) {
				return errdefs.Validation("vm %s references unknown image %q", spec.Name, spec.Image)
			}
			return err
		}
	}
	return nil
}

func (s *Server) listSlices(w http.ResponseWriter, r *http.Request) {
	identity, err := auth.FromContext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	var slices []*types.Slice
	if identity.Admin() {
		slices, err = s.store.ListSlices()
	} else {
		slices, err = s.store.ListSlicesByOwner(identity.ID)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSlices(slices))
}

func (s *Server) getSlice(w http.ResponseWriter, r *http.Request) {
	slice, err := s.ownedSlice(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewSlice(slice))
}

// deleteSlice runs the lifecycle delete protocol, then reaps the
// slice's security-group rows.
func (s *Server) deleteSlice(w http.ResponseWriter, r *http.Request) {
	slice, err := s.ownedSlice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.lifecycle.Delete(r.Context(), slice.ID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.secgroups.PurgeSlice(slice.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "slice deleted"})
}

func (s *Server) transitionSlice(action driver.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slice, err := s.ownedSlice(r)
		if err != nil {
			writeError(w, err)
			return
		}

		updated, err := s.lifecycle.TransitionSlice(r.Context(), slice.ID, action)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewSlice(updated))
	}
}

func (s *Server) transitionVM(action driver.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slice, err := s.ownedSlice(r)
		if err != nil {
			writeError(w, err)
			return
		}

		updated, err := s.lifecycle.TransitionVM(r.Context(), slice.ID, chi.URLParam(r, "vm"), action)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewSlice(updated))
	}
}
