package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
)

func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Ping).Methods("GET").Path("/healthz")
	r.NewRoute().Name(Version).Methods("GET").Path("/version")

	r.NewRoute().Name(CreateCustomer).Methods("POST").Path("/customers/create")
	r.NewRoute().Name(ListCustomers).Methods("GET").Path("/customers")
	r.NewRoute().Name(GetCustomer).Methods("GET").Path("/customers/{id}")
	r.NewRoute().Name(ProvisioningStatus).Methods("GET").Path("/customers/{id}/provisioning/status")
	r.NewRoute().Name(CancelProvisioning).Methods("POST").Path("/customers/{id}/provisioning/cancel")
	r.NewRoute().Name(Reinitialize).Methods("POST").Path("/customers/{id}/reinitialize")
	r.NewRoute().Name(DeleteCustomer).Methods("DELETE").Path("/customers/{id}")
	r.NewRoute().Name(SuspendCustomer).Methods("POST").Path("/customers/{id}/suspend")
	r.NewRoute().Name(ResumeCustomer).Methods("POST").Path("/customers/{id}/resume")
	r.NewRoute().Name(Deployments).Methods("GET").Path("/customers/{id}/deployments")
	r.NewRoute().Name(History).Methods("GET").Path("/customers/{id}/history")
	r.NewRoute().Name(Integrations).Methods("GET").Path("/customers/{id}/integrations")
	r.NewRoute().Name(UpsertCustomerIntegration).Methods("PUT").Path("/customers/{id}/integrations/{type}")
	r.NewRoute().Name(UpsertIntegration).Methods("PUT").Path("/integrations/{type}")

	r.NewRoute().Name(PendingApprovals).Methods("GET").Path("/api/approvals/pending")
	r.NewRoute().Name(Promote).Methods("POST").Path("/customers/{id}/promote-to-prod")
	r.NewRoute().Name(PromotionStatus).Methods("GET").Path("/api/promotions/{handle}")

	r.NewRoute().Name(PipelineStatus).Methods("GET").Path("/api/pipelines/status")
	r.NewRoute().Name(CustomerPipeline).Methods("GET").Path("/customers/{id}/pipeline")
	r.NewRoute().Name(PipelineJobs).Methods("GET").Path("/api/deployments/{id}/pipeline/{runId}/jobs")

	return r
}

// MakeURL builds the URL of a named route. Parameters named in the
// route's path fill in the path; the rest go in the query string.
// Empty query values are left out.
func MakeURL(endpoint string, router *mux.Router, routeName string, urlParams ...string) (*url.URL, error) {
	if len(urlParams)%2 != 0 {
		panic("urlParams must be even!")
	}

	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}
	route := router.Get(routeName)
	if route == nil {
		return nil, errors.New("no route with name " + routeName)
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path template %s", routeName)
	}

	var pathParams []string
	v := url.Values{}
	for i := 0; i < len(urlParams); i += 2 {
		k, val := urlParams[i], urlParams[i+1]
		if strings.Contains(tpl, "{"+k+"}") {
			pathParams = append(pathParams, k, val)
			continue
		}
		if val != "" {
			v.Add(k, val)
		}
	}
	routeURL, err := route.URLPath(pathParams...)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}

	endpointURL.Path = path.Join(endpointURL.Path, routeURL.Path)
	endpointURL.RawQuery = v.Encode()
	return endpointURL, nil
}

func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if len(r.Header.Get("Accept")) > 0 {
		switch errorContentType(r, errorContentTypes) {
		case contentJSON:
			body, encodeErr := json.Marshal(err)
			if encodeErr != nil {
				w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case contentText:
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
			w.WriteHeader(code)
			switch err := err.(type) {
			case *luffyerr.Error:
				fmt.Fprint(w, err.Help)
			default:
				fmt.Fprint(w, err.Error())
			}
			return
		}
	}
	w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	JSONResponseCode(w, r, http.StatusOK, result)
}

func JSONResponseCode(w http.ResponseWriter, r *http.Request, code int, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	w.Write(body)
}

// StatusCode is the HTTP status for an error of the given type.
func StatusCode(t luffyerr.Type) int {
	switch t {
	case luffyerr.Validation:
		return http.StatusBadRequest
	case luffyerr.Conflict:
		return http.StatusConflict
	case luffyerr.Missing:
		return http.StatusNotFound
	case luffyerr.Auth, luffyerr.Transient:
		return http.StatusBadGateway
	case luffyerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	var outErr *luffyerr.Error
	if !errors.As(apiError, &outErr) {
		outErr = luffyerr.CoverAllError(apiError)
	}
	WriteError(w, r, StatusCode(outErr.Type), outErr)
}
