package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/openluffy/luffy/pkg/api"
	luffyerr "github.com/openluffy/luffy/pkg/errors"
	transport "github.com/openluffy/luffy/pkg/http"
	"github.com/openluffy/luffy/pkg/integration"
	"github.com/openluffy/luffy/pkg/job"
	"github.com/openluffy/luffy/pkg/pipeline"
	"github.com/openluffy/luffy/pkg/provision"
	"github.com/openluffy/luffy/pkg/store"
	"github.com/openluffy/luffy/pkg/tenant"
)

type Token string

func (t Token) Set(req *http.Request) {
	if string(t) != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t))
	}
}

type Client struct {
	client   *http.Client
	token    Token
	router   *mux.Router
	endpoint string
}

var _ api.Server = &Client{}

func New(c *http.Client, router *mux.Router, endpoint string, t Token) *Client {
	return &Client{
		client:   c,
		token:    t,
		router:   router,
		endpoint: endpoint,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Get(ctx, nil, transport.Ping)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v string
	err := c.Get(ctx, &v, transport.Version)
	return v, err
}

// --- provisioning

func (c *Client) CreateCustomer(ctx context.Context, req tenant.Request) (provision.Started, error) {
	var res provision.Started
	err := c.methodWithResp(ctx, "POST", &res, transport.CreateCustomer, req)
	return res, err
}

func (c *Client) ListCustomers(ctx context.Context) ([]api.Customer, error) {
	var res []api.Customer
	err := c.Get(ctx, &res, transport.ListCustomers)
	return res, err
}

func (c *Client) GetCustomer(ctx context.Context, id tenant.ID) (api.Customer, error) {
	var res api.Customer
	err := c.Get(ctx, &res, transport.GetCustomer, "id", string(id))
	return res, err
}

func (c *Client) ProvisioningStatus(ctx context.Context, id tenant.ID) (*job.Job, error) {
	var res job.Job
	if err := c.Get(ctx, &res, transport.ProvisioningStatus, "id", string(id)); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) CancelProvisioning(ctx context.Context, id tenant.ID) (*job.Job, error) {
	var res job.Job
	if err := c.methodWithResp(ctx, "POST", &res, transport.CancelProvisioning, nil, "id", string(id)); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Reinitialize(ctx context.Context, id tenant.ID) (provision.ReinitResult, error) {
	var res provision.ReinitResult
	err := c.methodWithResp(ctx, "POST", &res, transport.Reinitialize, nil, "id", string(id))
	return res, err
}

func (c *Client) DeleteCustomer(ctx context.Context, id tenant.ID, opts provision.DeleteOptions) (provision.DeleteResult, error) {
	var res provision.DeleteResult
	err := c.methodWithResp(ctx, "DELETE", &res, transport.DeleteCustomer, nil,
		"id", string(id), "confirm", opts.Confirm, "delete_repo", strconv.FormatBool(opts.DeleteRepo))
	return res, err
}

func (c *Client) SuspendCustomer(ctx context.Context, id tenant.ID, opts provision.SuspendOptions) (provision.SuspendResult, error) {
	var res provision.SuspendResult
	err := c.methodWithResp(ctx, "POST", &res, transport.SuspendCustomer, nil,
		"id", string(id), "confirm", opts.Confirm, "reason", opts.Reason)
	return res, err
}

func (c *Client) ResumeCustomer(ctx context.Context, id tenant.ID) (provision.ResumeResult, error) {
	var res provision.ResumeResult
	err := c.methodWithResp(ctx, "POST", &res, transport.ResumeCustomer, nil, "id", string(id))
	return res, err
}

func (c *Client) Deployments(ctx context.Context, id tenant.ID) (api.Deployments, error) {
	var res api.Deployments
	err := c.Get(ctx, &res, transport.Deployments, "id", string(id))
	return res, err
}

func (c *Client) History(ctx context.Context, id tenant.ID, limit int) (api.History, error) {
	var res api.History
	var l string
	if limit > 0 {
		l = strconv.Itoa(limit)
	}
	err := c.Get(ctx, &res, transport.History, "id", string(id), "limit", l)
	return res, err
}

func (c *Client) Integrations(ctx context.Context, id tenant.ID) (api.Integrations, error) {
	var res api.Integrations
	err := c.Get(ctx, &res, transport.Integrations, "id", string(id))
	return res, err
}

func (c *Client) UpsertIntegration(ctx context.Context, in integration.Integration) (integration.Integration, error) {
	var res integration.Integration
	if in.TenantID != nil {
		err := c.methodWithResp(ctx, "PUT", &res, transport.UpsertCustomerIntegration, in.Config, "id", string(*in.TenantID), "type", string(in.Type))
		return res, err
	}
	err := c.methodWithResp(ctx, "PUT", &res, transport.UpsertIntegration, in.Config, "type", string(in.Type))
	return res, err
}

// --- promotion

func (c *Client) PendingApprovals(ctx context.Context) (api.PendingApprovals, error) {
	var res api.PendingApprovals
	err := c.Get(ctx, &res, transport.PendingApprovals)
	return res, err
}

func (c *Client) Promote(ctx context.Context, id tenant.ID) (store.Promotion, error) {
	var res store.Promotion
	err := c.methodWithResp(ctx, "POST", &res, transport.Promote, nil, "id", string(id))
	return res, err
}

func (c *Client) PromotionStatus(ctx context.Context, handle string) (store.Promotion, error) {
	var res store.Promotion
	err := c.Get(ctx, &res, transport.PromotionStatus, "handle", handle)
	return res, err
}

// --- pipelines

func (c *Client) PipelineStatus(ctx context.Context) (api.Pipelines, error) {
	var res api.Pipelines
	err := c.Get(ctx, &res, transport.PipelineStatus)
	return res, err
}

func (c *Client) CustomerPipeline(ctx context.Context, id tenant.ID) (pipeline.Summary, error) {
	var res pipeline.Summary
	err := c.Get(ctx, &res, transport.CustomerPipeline, "id", string(id))
	return res, err
}

func (c *Client) PipelineJobs(ctx context.Context, id tenant.ID, runID int64) (pipeline.RunDetail, error) {
	var res pipeline.RunDetail
	err := c.Get(ctx, &res, transport.PipelineJobs, "id", string(id), "runId", strconv.FormatInt(runID, 10))
	return res, err
}

// --- Request helpers

// methodWithResp is the full enchilada, it handles body and query-param
// encoding, as well as decoding the response into the provided destination.
// Note, the response will only be decoded into the dest if the len is > 0.
func (c *Client) methodWithResp(ctx context.Context, method string, dest interface{}, route string, body interface{}, urlParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, urlParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)

	c.token.Set(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "decoding response from server")
	}
	if len(respBytes) <= 0 || dest == nil {
		return nil
	}
	if err := json.Unmarshal(respBytes, dest); err != nil {
		return errors.Wrap(err, "decoding response from server")
	}
	return nil
}

// Get executes a get request against luffyd. It unmarshals the
// response into dest, if not nil.
func (c *Client) Get(ctx context.Context, dest interface{}, route string, urlParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, urlParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)

	c.token.Set(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if dest != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return errors.Wrap(err, "decoding response from server")
		}
	}
	return nil
}

func (c *Client) executeRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing HTTP request")
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusAccepted:
		return resp, nil
	default:
		defer resp.Body.Close()
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading response body of error")
		}
		// Use the content type to discriminate between `luffyerr.Error`,
		// and the previous "any old error"
		if strings.HasPrefix(resp.Header.Get(http.CanonicalHeaderKey("Content-Type")), "application/json") {
			var niceError luffyerr.Error
			if err := json.Unmarshal(body, &niceError); err != nil {
				return nil, errors.Wrap(err, "decoding response body of error")
			}
			// just in case it's JSON but not one of our own errors
			if niceError.Err != nil {
				return nil, &niceError
			}
			// fallthrough
		}
		return nil, errors.New(resp.Status + " " + string(body))
	}
}
