// Package api is the orchestration frontend: a chi router over the
// pipeline, the lifecycle machine, security groups and the image
// registry, authenticated with the issuer's bearer tokens.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nubla/slicer/pkg/auth"
	"github.com/nubla/slicer/pkg/config"
	"github.com/nubla/slicer/pkg/driver"
	"github.com/nubla/slicer/pkg/errdefs"
	"github.com/nubla/slicer/pkg/events"
	"github.com/nubla/slicer/pkg/images"
	"github.com/nubla/slicer/pkg/lifecycle"
	"github.com/nubla/slicer/pkg/log"
	"github.com/nubla/slicer/pkg/metrics"
	"github.com/nubla/slicer/pkg/queue"
	"github.com/nubla/slicer/pkg/secgroup"
	"github.com/nubla/slicer/pkg/storage"
	"github.com/nubla/slicer/pkg/types"
)

// Server wires the HTTP surface to the orchestrator components.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	queues    *queue.Broker
	events    *events.Broker
	verifier  *auth.Verifier
	lifecycle *lifecycle.Manager
	secgroups *secgroup.Manager
	images    *images.Manager
	logger    zerolog.Logger
}

// New creates the API server.
func New(cfg *config.Config, store storage.Store, queues *queue.Broker, broker *events.Broker,
	verifier *auth.Verifier, lc *lifecycle.Manager, sg *secgroup.Manager, img *images.Manager) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		queues:    queues,
		events:    broker,
		verifier:  verifier,
		lifecycle: lc,
		secgroups: sg,
		images:    img,
		logger:    log.WithComponent("api"),
	}
}

var actions = []driver.Action{driver.ActionPause, driver.ActionResume, driver.ActionShutdown, driver.ActionStart}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/slices", func(r chi.Router) {
			r.Post("/", s.createSlice)
			r.Get("/", s.listSlices)

			r.Route("/{sliceID}", func(r chi.Router) {
				r.Get("/", s.getSlice)
				r.Delete("/", s.deleteSlice)

				for _, action := range actions {
					r.Post("/"+string(action), s.transitionSlice(action))
					r.Post("/vms/{vm}/"+string(action), s.transitionVM(action))
				}

				r.Route("/security-groups", func(r chi.Router) {
					r.Post("/", s.createSecurityGroup)
					r.Get("/", s.listSecurityGroups)
					r.Get("/{sgID}", s.getSecurityGroup)
					r.Delete("/{sgID}", s.deleteSecurityGroup)
					r.Post("/{sgID}/rules", s.addRule)
					r.Delete("/{sgID}/rules/{ruleID}", s.removeRule)
				})
			})
		})

		r.Route("/images", func(r chi.Router) {
			r.Get("/", s.listImages)
			r.Get("/{imageID}", s.getImage)
			r.With(s.requireAdmin).Post("/", s.createImage)
			r.With(s.requireAdmin).Delete("/{imageID}", s.deleteImage)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate resolves the bearer token into an identity and stores it
// in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing bearer token", Code: string(errdefs.KindForbidden)})
			return
		}

		identity, err := s.verifier.Verify(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "token rejected", Code: string(errdefs.KindForbidden)})
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := auth.FromContext(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if !identity.Admin() {
			writeError(w, errdefs.Forbidden("administrator role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", elapsed).
			Msg("request")
	})
}

// ownedSlice resolves the slice path parameter and enforces ownership.
func (s *Server) ownedSlice(r *http.Request) (*types.Slice, error) {
	identity, err := auth.FromContext(r.Context())
	if err != nil {
		return nil, err
	}

	id, err := strconv.Atoi(chi.URLParam(r, "sliceID"))
	if err != nil {
		return nil, errdefs.Validation("slice id must be numeric")
	}

	slice, err := s.store.GetSlice(id)
	if err != nil {
		return nil, err
	}
	if !identity.Owns(slice.Owner) {
		return nil, errdefs.Forbidden("slice %d belongs to another user", id)
	}
	return slice, nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	e := errdefs.AsError(err)
	writeJSON(w, e.HTTPStatus(), errorBody{Error: e.Message, Code: string(e.Kind)})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
