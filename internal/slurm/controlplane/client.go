// Package controlplane talks to the cloud control plane that owns jobs, their state and their billing.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurm-provider/internal/common/providererrors"
	"github.com/G-Research/slurm-provider/internal/slurm/configuration"
)

// Client is the subset of the control plane API used by the provider. Every bulk call either fails as
// a whole or succeeds as a whole.
type Client interface {
	// RegisterJobs registers jobs discovered in the scheduler and returns their control plane ids in
	// request order.
	RegisterJobs(ctx context.Context, resources []ProviderRegisteredResource) ([]string, error)
	UpdateJobs(ctx context.Context, updates []ResourceUpdateAndId) error
	ChargeJobs(ctx context.Context, charges []Charge) (ChargeResult, error)
	// RetrieveJob returns false if the control plane does not know the job.
	RetrieveJob(ctx context.Context, id string) (Job, bool, error)
}

// Doer abstracts http.Client so tests can substitute the transport.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

const (
	registerPath = "/api/jobs/control/register"
	updatePath   = "/api/jobs/control/update"
	chargePath   = "/api/jobs/control/chargeCredits"
	retrievePath = "/api/jobs/control/retrieve"
)

type HttpClient struct {
	client  Doer
	baseUrl string
	token   string
	timeout time.Duration
}

func NewHttpClient(config configuration.ControlPlaneConfig, client Doer) *HttpClient {
	return &HttpClient{
		client:  client,
		baseUrl: strings.TrimSuffix(config.Url, "/"),
		token:   config.Token,
		timeout: config.Timeout,
	}
}

func (c *HttpClient) RegisterJobs(ctx context.Context, resources []ProviderRegisteredResource) ([]string, error) {
	var response bulkResponse[FindByStringId]
	if _, err := c.call(ctx, "register", http.MethodPost, registerPath, bulkRequest[ProviderRegisteredResource]{Items: resources}, &response); err != nil {
		return nil, err
	}
	if len(response.Responses) != len(resources) {
		return nil, errors.Errorf("control plane registered %d jobs but %d were requested", len(response.Responses), len(resources))
	}
	ids := make([]string, len(response.Responses))
	for i, r := range response.Responses {
		ids[i] = r.Id
	}
	return ids, nil
}

func (c *HttpClient) UpdateJobs(ctx context.Context, updates []ResourceUpdateAndId) error {
	_, err := c.call(ctx, "update", http.MethodPost, updatePath, bulkRequest[ResourceUpdateAndId]{Items: updates}, nil)
	return err
}

func (c *HttpClient) ChargeJobs(ctx context.Context, charges []Charge) (ChargeResult, error) {
	var result ChargeResult
	_, err := c.call(ctx, "charge", http.MethodPost, chargePath, bulkRequest[Charge]{Items: charges}, &result)
	return result, err
}

func (c *HttpClient) RetrieveJob(ctx context.Context, id string) (Job, bool, error) {
	var job Job
	path := retrievePath + "?" + url.Values{"id": []string{id}}.Encode()
	status, err := c.call(ctx, "retrieve", http.MethodGet, path, nil, &job)
	if status == http.StatusNotFound {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

func (c *HttpClient) call(ctx context.Context, name string, method string, path string, request interface{}, response interface{}) (int, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if request != nil {
		payload, err := json.Marshal(request)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseUrl+path, body)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if request != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "control plane call %s failed", name)
	}
	defer resp.Body.Close()
	log.WithField("call", name).Debugf("Control plane answered with %d in %s", resp.StatusCode, time.Since(start))

	if resp.StatusCode/100 != 2 {
		contents, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, errors.WithStack(&providererrors.ErrControlPlane{
			Call:       name,
			StatusCode: resp.StatusCode,
			Body:       string(contents),
		})
	}
	if response != nil {
		if err := json.NewDecoder(resp.Body).Decode(response); err != nil && err != io.EOF {
			return resp.StatusCode, errors.Wrapf(err, "unable to decode response of control plane call %s", name)
		}
	}
	return resp.StatusCode, nil
}
