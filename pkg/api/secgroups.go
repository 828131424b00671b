package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/types"
)

type createGroupRequest struct {
	Name        string `json:"nombre"`
	Description string `json:"descripcion"`
}

func (s *Server) createSecurityGroup(w http.ResponseWriter, r *http.Request) {
	slice, err := s.ownedSlice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation("malformed security group request"))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 100 {
		writeError(w, errdefs.Validation("security group name must be 1-100 characters"))
		return
	}

	group, err := s.secgroups.Create(r.Context(), slice.ID, req.Name, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) listSecurityGroups(w http.ResponseWriter, r *http.Request) {
	slice, err := s.ownedSlice(r)
	if err != nil {
		writeError(w, err)
		return
	}

	groups, err := s.secgroups.List(slice.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) getSecurityGroup(w http.ResponseWriter, r *http.Request) {
	slice, groupID, err := s.groupParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	group, err := s.secgroups.Get(slice.ID, groupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) deleteSecurityGroup(w http.ResponseWriter, r *http.Request) {
	slice, groupID, err := s.groupParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.secgroups.Delete(r.Context(), slice.ID, groupID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "security group deleted"})
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request) {
	slice, groupID, err := s.groupParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var rule types.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, errdefs.Validation("malformed rule"))
		return
	}
	if rule.Direction != "ingress" && rule.Direction != "egress" {
		writeError(w, errdefs.Validation("rule direction must be ingress or egress"))
		return
	}

	group, err := s.secgroups.AddRule(r.Context(), slice.ID, groupID, &rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (s *Server) removeRule(w http.ResponseWriter, r *http.Request) {
	slice, groupID, err := s.groupParams(r)
	if err != nil {
		writeError(w, err)
		return
	}

	ruleID, err := strconv.Atoi(chi.URLParam(r, "ruleID"))
	if err != nil {
		writeError(w, errdefs.Validation("rule id must be numeric"))
		return
	}

	group, err := s.secgroups.RemoveRule(r.Context(), slice.ID, groupID, ruleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) groupParams(r *http.Request) (*types.Slice, int, error) {
	slice, err := s.ownedSlice(r)
	if err != nil {
		return nil, 0, err
	}

	groupID, err := strconv.Atoi(chi.URLParam(r, "sgID"))
	if err != nil {
		return nil, 0, errdefs.Validation("security group id must be numeric")
	}
	return slice, groupID, nil
}
