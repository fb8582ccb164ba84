package portal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/signalsfoundry/observation-portal/internal/configdb"
	"github.com/signalsfoundry/observation-portal/internal/contention"
	"github.com/signalsfoundry/observation-portal/internal/downtime"
	"github.com/signalsfoundry/observation-portal/internal/ledger"
	"github.com/signalsfoundry/observation-portal/internal/lifecycle"
	"github.com/signalsfoundry/observation-portal/internal/logging"
	"github.com/signalsfoundry/observation-portal/internal/observability"
	"github.com/signalsfoundry/observation-portal/internal/pond"
	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/internal/telstates"
	"github.com/signalsfoundry/observation-portal/model"
)

// unavailableMessage is what callers see when a backing service is down.
const unavailableMessage = "service temporarily unavailable, try again later"

// Server is the HTTP API over the submission pipeline, the state machine,
// and the contention estimator.
type Server struct {
	router  *gin.Engine
	pipe    *Pipeline
	store   store.Store
	life    *lifecycle.Engine
	cont    *contention.Estimator
	tel     *telstates.Client
	metrics *observability.APICollector
	log     logging.Logger
}

// NewServer wires the routes. A nil metrics collector disables metric
// recording but keeps every route live.
func NewServer(pipe *Pipeline, st store.Store, life *lifecycle.Engine, cont *contention.Estimator, metrics *observability.APICollector, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		router:  gin.New(),
		pipe:    pipe,
		store:   st,
		life:    life,
		cont:    cont,
		metrics: metrics,
		log:     log,
	}
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestID())
	if metrics != nil {
		s.router.Use(metrics.Middleware())
	}

	s.router.GET("/healthz", s.health)

	api := s.router.Group("/api")
	{
		api.POST("/requestgroups", s.createGroup)
		api.POST("/requestgroups/validate", s.validateGroup)
		api.GET("/requestgroups/:id", s.getGroup)
		api.POST("/requestgroups/:id/cancel", s.cancelGroup)
		api.GET("/contention/:instrument", s.getContention)
	}
	return s
}

// WithTelescopeStates registers the telescope event analytics routes
// backed by the given event log client.
func (s *Server) WithTelescopeStates(tel *telstates.Client) *Server {
	s.tel = tel
	api := s.router.Group("/api")
	api.GET("/telescope_states", s.getTelescopeStates)
	api.GET("/telescope_availability", s.getTelescopeAvailability)
	return s
}

// Handler exposes the router for tests and the main wiring.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves the API on addr until the listener fails.
func (s *Server) Run(addr string) error { return s.router.Run(addr) }

// requestID tags every request with a correlation id for the logs.
func (s *Server) requestID() gin.HandlerFunc {
	return func(gc *gin.Context) {
		id := gc.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		gc.Header("X-Request-ID", id)
		gc.Next()
	}
}

func (s *Server) health(gc *gin.Context) {
	gc.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) createGroup(gc *gin.Context) {
	var g model.RequestGroup
	if err := gc.ShouldBindJSON(&g); err != nil {
		s.metrics.IncRejected("malformed")
		gc.JSON(http.StatusBadRequest, gin.H{"errors": gin.H{"non_field_errors": []string{"malformed request document: " + err.Error()}}})
		return
	}
	created, err := s.pipe.Submit(gc.Request.Context(), &g)
	if err != nil {
		s.metrics.IncRejected(rejectionReason(err))
		s.writeError(gc, err)
		return
	}
	s.metrics.IncSubmitted()
	gc.JSON(http.StatusCreated, created)
}

func (s *Server) validateGroup(gc *gin.Context) {
	var g model.RequestGroup
	if err := gc.ShouldBindJSON(&g); err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"errors": gin.H{"non_field_errors": []string{"malformed request document: " + err.Error()}}})
		return
	}
	err := s.pipe.Validate(gc.Request.Context(), &g)
	var fe model.FieldErrors
	var tae *ledger.TimeAllocationError
	switch {
	case err == nil:
		gc.JSON(http.StatusOK, gin.H{"errors": gin.H{}, "request_group": g})
	case errors.As(err, &fe):
		gc.JSON(http.StatusOK, gin.H{"errors": fe})
	case errors.As(err, &tae):
		gc.JSON(http.StatusOK, gin.H{"errors": gin.H{"ipp_value": []string{tae.Error()}}})
	default:
		s.writeError(gc, err)
	}
}

func (s *Server) getGroup(gc *gin.Context) {
	id, err := strconv.ParseInt(gc.Param("id"), 10, 64)
	if err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"errors": "invalid request group id"})
		return
	}
	g, err := s.store.GetRequestGroup(gc.Request.Context(), id)
	if err != nil {
		s.writeError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, g)
}

func (s *Server) cancelGroup(gc *gin.Context) {
	ctx := gc.Request.Context()
	id, err := strconv.ParseInt(gc.Param("id"), 10, 64)
	if err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"errors": "invalid request group id"})
		return
	}
	g, err := s.store.GetRequestGroup(ctx, id)
	if err != nil {
		s.writeError(gc, err)
		return
	}
	if err := s.life.TransitionGroup(ctx, g, model.StateCanceled); err != nil {
		s.writeError(gc, err)
		return
	}
	s.log.Info(ctx, "request group canceled", logging.Int64("group_id", g.ID))
	gc.JSON(http.StatusOK, g)
}

func (s *Server) getContention(gc *gin.Context) {
	// Per-proposal figures are opt-in; the default view is anonymized.
	anonymous := gc.Query("proposals") == ""
	rep, err := s.cont.Report(gc.Request.Context(), gc.Param("instrument"), anonymous)
	if err != nil {
		s.writeError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, rep)
}

// stateQuery parses the shared start/end/site/telescope query parameters
// of the telescope event endpoints.
func stateQuery(gc *gin.Context) (start, end time.Time, sites []string, telescope string, ok bool) {
	var err error
	start, err = time.Parse(time.RFC3339, gc.Query("start"))
	if err != nil {
		gc.JSON(http.StatusBadRequest, gin.H{"errors": gin.H{"start": []string{"required, RFC3339"}}})
		return
	}
	end, err = time.Parse(time.RFC3339, gc.Query("end"))
	if err != nil || !end.After(start) {
		gc.JSON(http.StatusBadRequest, gin.H{"errors": gin.H{"end": []string{"required, RFC3339, after start"}}})
		return
	}
	return start, end, gc.QueryArray("site"), gc.Query("telescope"), true
}

func (s *Server) getTelescopeStates(gc *gin.Context) {
	start, end, sites, telescope, ok := stateQuery(gc)
	if !ok {
		return
	}
	states, err := s.tel.States(gc.Request.Context(), start, end, sites, telescope)
	if err != nil {
		s.writeError(gc, err)
		return
	}
	gc.JSON(http.StatusOK, gin.H{"telescope_states": states})
}

func (s *Server) getTelescopeAvailability(gc *gin.Context) {
	start, end, sites, telescope, ok := stateQuery(gc)
	if !ok {
		return
	}
	states, err := s.tel.States(gc.Request.Context(), start, end, sites, telescope)
	if err != nil {
		s.writeError(gc, err)
		return
	}
	// Fractions are per telescope; group before splitting into nights.
	byTelescope := map[string][]telstates.State{}
	for _, st := range states {
		byTelescope[st.Telescope] = append(byTelescope[st.Telescope], st)
	}
	out := map[string][]telstates.NightAvailability{}
	for tel, sts := range byTelescope {
		out[tel] = telstates.AvailabilityPerNight(sts)
	}
	gc.JSON(http.StatusOK, gin.H{"telescope_availability": out})
}

// writeError maps pipeline and store errors onto the API contract:
// validation and allocation problems are the caller's fault, failures of
// the backing services are a 503 with a retry hint.
func (s *Server) writeError(gc *gin.Context, err error) {
	ctx := gc.Request.Context()
	var fe model.FieldErrors
	var tae *ledger.TimeAllocationError
	var isc *lifecycle.InvalidStateChangeError
	switch {
	case errors.As(err, &fe):
		gc.JSON(http.StatusBadRequest, gin.H{"errors": fe})
	case errors.As(err, &tae):
		gc.JSON(http.StatusBadRequest, gin.H{"errors": gin.H{"ipp_value": []string{tae.Error()}}})
	case errors.As(err, &isc):
		gc.JSON(http.StatusBadRequest, gin.H{"errors": isc.Error()})
	case errors.Is(err, store.ErrNotFound):
		gc.JSON(http.StatusNotFound, gin.H{"errors": "request group not found"})
	case serviceUnavailable(err):
		s.log.Warn(ctx, "backing service unavailable", logging.String("error", err.Error()))
		gc.JSON(http.StatusServiceUnavailable, gin.H{"errors": unavailableMessage})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		gc.JSON(http.StatusServiceUnavailable, gin.H{"errors": unavailableMessage})
	default:
		s.log.Error(ctx, "request failed", logging.String("error", err.Error()))
		gc.JSON(http.StatusInternalServerError, gin.H{"errors": "internal error"})
	}
}

// serviceUnavailable matches outages worth retrying. An unknown
// instrument (configdb.ErrInstrumentNotFound) is deliberately excluded:
// retrying cannot make an instrument exist.
func serviceUnavailable(err error) bool {
	return errors.Is(err, configdb.ErrCapabilityUnavailable) ||
		errors.Is(err, downtime.ErrDowntimeUnavailable) ||
		errors.Is(err, pond.ErrPondUnavailable) ||
		errors.Is(err, telstates.ErrEventLogUnavailable)
}

func rejectionReason(err error) string {
	var fe model.FieldErrors
	var tae *ledger.TimeAllocationError
	switch {
	case errors.As(err, &fe):
		return "validation"
	case errors.As(err, &tae):
		return "allocation"
	case serviceUnavailable(err):
		return "unavailable"
	default:
		return "internal"
	}
}
