package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
	"github.com/go-kit/kit/log"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/middleware"

	"github.com/openluffy/luffy/pkg/api"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
	transport "github.com/openluffy/luffy/pkg/http"
	"github.com/openluffy/luffy/pkg/integration"
	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/tenant"
)

var (
	requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: "luffy",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{luffymetrics.LabelMethod, luffymetrics.LabelRoute, "status_code", "ws"})
)

func init() {
	stdprometheus.MustRegister(requestDuration)
}

// An API server for luffyd
func NewRouter() *mux.Router {
	r := transport.NewAPIRouter()

	// We assume every request that doesn't match a route is a client
	// calling an old or hitherto unsupported API.
	r.NewRoute().Name("NotFound").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, http.StatusNotFound, transport.MakeAPINotFound(r.URL.Path))
	})

	return r
}

// RateLimit bounds the requests each client may make to the mutating
// routes.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

func NewHandler(s api.Server, r *mux.Router, limit RateLimit, logger log.Logger) http.Handler {
	handle := HTTPServer{s}

	for method, handlerMethod := range map[string]http.HandlerFunc{
		transport.Ping:    handle.Ping,
		transport.Version: handle.Version,

		transport.CreateCustomer:     handle.CreateCustomer,
		transport.ListCustomers:      handle.ListCustomers,
		transport.GetCustomer:        handle.GetCustomer,
		transport.ProvisioningStatus: handle.ProvisioningStatus,
		transport.CancelProvisioning: handle.CancelProvisioning,
		transport.Reinitialize:       handle.Reinitialize,
		transport.DeleteCustomer:     handle.DeleteCustomer,
		transport.SuspendCustomer:    handle.SuspendCustomer,
		transport.ResumeCustomer:     handle.ResumeCustomer,
		transport.Deployments:        handle.Deployments,
		transport.History:            handle.History,
		transport.Integrations:       handle.Integrations,

		transport.UpsertIntegration:         handle.UpsertIntegration,
		transport.UpsertCustomerIntegration: handle.UpsertIntegration,

		transport.PendingApprovals: handle.PendingApprovals,
		transport.Promote:          handle.Promote,
		transport.PromotionStatus:  handle.PromotionStatus,

		transport.PipelineStatus:   handle.PipelineStatus,
		transport.CustomerPipeline: handle.CustomerPipeline,
		transport.PipelineJobs:     handle.PipelineJobs,
	} {
		r.Get(method).Handler(handlerMethod)
	}

	if limit.Requests > 0 {
		limiter := httprate.Limit(
			limit.Requests,
			limit.Window,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				logger.Log("msg", "rate limit exceeded", "ip", r.RemoteAddr, "method", r.Method, "path", r.URL.Path)
				transport.WriteError(w, r, http.StatusTooManyRequests, transport.ErrorRateLimited)
			}),
		)
		for _, method := range transport.Mutating {
			route := r.Get(method)
			route.Handler(limiter(route.GetHandler()))
		}
	}

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

type HTTPServer struct {
	server api.Server
}

func customerID(r *http.Request) tenant.ID {
	return tenant.ID(mux.Vars(r)["id"])
}

func (s HTTPServer) Ping(w http.ResponseWriter, r *http.Request) {
	if err := s.server.Ping(r.Context()); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s HTTPServer) Version(w http.ResponseWriter, r *http.Request) {
	version, err := s.server.Version(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, version)
}

// --- provisioning

func (s HTTPServer) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req tenant.Request
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, errors.Wrap(err, "decoding request body"))
		return
	}
	started, err := s.server.CreateCustomer(r.Context(), req)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	code := http.StatusAccepted
	if started.Existing {
		code = http.StatusOK
	}
	transport.JSONResponseCode(w, r, code, started)
}

func (s HTTPServer) ListCustomers(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.ListCustomers(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) GetCustomer(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.GetCustomer(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) ProvisioningStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.ProvisioningStatus(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) CancelProvisioning(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.CancelProvisioning(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponseCode(w, r, http.StatusAccepted, res)
}

func (s HTTPServer) Reinitialize(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.Reinitialize(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := provision.DeleteOptions{Confirm: q.Get("confirm")}
	if v := q.Get("delete_repo"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			transport.WriteError(w, r, http.StatusBadRequest, errors.Wrapf(err, "parsing delete_repo %q", v))
			return
		}
		opts.DeleteRepo = b
	}
	res, err := s.server.DeleteCustomer(r.Context(), customerID(r), opts)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) SuspendCustomer(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := provision.SuspendOptions{Confirm: q.Get("confirm"), Reason: q.Get("reason")}
	res, err := s.server.SuspendCustomer(r.Context(), customerID(r), opts)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) ResumeCustomer(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.ResumeCustomer(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) Deployments(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.Deployments(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) History(w http.ResponseWriter, r *http.Request) {
	var limit int
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			transport.WriteError(w, r, http.StatusBadRequest, luffyerr.Validationf("limit must be a non-negative number, not %q", v))
			return
		}
		limit = n
	}
	res, err := s.server.History(r.Context(), customerID(r), limit)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) Integrations(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.Integrations(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

// UpsertIntegration serves both the global route and the
// per-customer one; the latter has an id in the path.
func (s HTTPServer) UpsertIntegration(w http.ResponseWriter, r *http.Request) {
	var config map[string]interface{}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&config); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, errors.Wrap(err, "decoding request body"))
		return
	}
	in := integration.Integration{
		Type:   integration.Type(mux.Vars(r)["type"]),
		Config: config,
	}
	if id := customerID(r); id != "" {
		in.TenantID = integration.TenantScope(id)
	}
	res, err := s.server.UpsertIntegration(r.Context(), in)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

// --- promotion

func (s HTTPServer) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.PendingApprovals(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) Promote(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.Promote(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponseCode(w, r, http.StatusAccepted, res)
}

func (s HTTPServer) PromotionStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.PromotionStatus(r.Context(), mux.Vars(r)["handle"])
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

// --- pipelines

func (s HTTPServer) PipelineStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.PipelineStatus(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) CustomerPipeline(w http.ResponseWriter, r *http.Request) {
	res, err := s.server.CustomerPipeline(r.Context(), customerID(r))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) PipelineJobs(w http.ResponseWriter, r *http.Request) {
	v := mux.Vars(r)["runId"]
	runID, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, luffyerr.Validationf("run id must be a number, not %q", v))
		return
	}
	res, err := s.server.PipelineJobs(r.Context(), customerID(r), runID)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}
