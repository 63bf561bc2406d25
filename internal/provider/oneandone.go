package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"buildswarm/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// DefaultOneAndOneEndpoint is the public 1&1 Cloud Server API
const DefaultOneAndOneEndpoint = "https://cloudpanel-api.1and1.com/v1"

const oneAndOnePageSize = 100

// OneAndOneGateway implements Gateway for the 1&1 Cloud Server REST API
type OneAndOneGateway struct {
	endpoint string
	token    string
	// client retries idempotent calls, create goes through once so a retry never doubles a server
	client *retryablehttp.Client
	once   *retryablehttp.Client
}

// NewOneAndOneGateway creates a gateway for the account identified by token
func NewOneAndOneGateway(endpoint, token string) *OneAndOneGateway {
	if endpoint == "" {
		endpoint = DefaultOneAndOneEndpoint
	}
	return &OneAndOneGateway{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   newRetryableClient(4),
		once:     newRetryableClient(0),
	}
}

func newRetryableClient(retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 10 * time.Second
	c.HTTPClient.Timeout = 60 * time.Second
	c.Logger = leveledLogger{logging.Logger().Sugar()}
	return c
}

// leveledLogger routes retryablehttp diagnostics to zap at debug level
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }

type oaoServer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status struct {
		State   string `json:"state"`
		Percent *int   `json:"percent"`
	} `json:"status"`
	IPs []struct {
		ID   string `json:"id"`
		IP   string `json:"ip"`
		Type string `json:"type"`
	} `json:"ips"`
	CreationDate string `json:"creation_date"`
}

type oaoCreateRequest struct {
	Name     string `json:"name"`
	Hardware struct {
		FixedInstanceSizeID string `json:"fixed_instance_size_id"`
	} `json:"hardware"`
	ApplianceID string `json:"appliance_id"`
	RSAKey      string `json:"rsa_key"`
	PowerOn     bool   `json:"power_on"`
}

type oaoFlavour struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Hardware struct {
		Vcore             int     `json:"vcore"`
		CoresPerProcessor int     `json:"cores_per_processor"`
		RAM               float64 `json:"ram"`
	} `json:"hardware"`
}

type oaoAppliance struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OSFamily  string `json:"os_family"`
	OSVersion string `json:"os_version"`
}

type oaoError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// apiError is a non-2xx response of the 1&1 API
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("1&1 API returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("1&1 API returned HTTP %d: %s", e.StatusCode, e.Message)
}

var oaoStatuses = map[string]Status{
	"CONFIGURING":  StatusConfiguring,
	"DEPLOYING":    StatusDeploying,
	"POWERING_ON":  StatusPoweringOn,
	"REBOOTING":    StatusRebooting,
	"POWERED_ON":   StatusPoweredOn,
	"POWERING_OFF": StatusPoweringOff,
	"POWERED_OFF":  StatusPoweredOff,
	"REMOVING":     StatusRemoving,
}

func (s oaoServer) toServer() Server {
	out := Server{ID: s.ID, Name: s.Name, Status: StatusUnknown}
	if st, ok := oaoStatuses[strings.ToUpper(s.Status.State)]; ok {
		out.Status = st
	}
	for _, ip := range s.IPs {
		out.Addresses = append(out.Addresses, ip.IP)
	}
	if t, err := time.Parse(time.RFC3339, s.CreationDate); err == nil {
		out.CreatedAt = t
	}
	return out
}

// do performs a request and decodes a JSON response into out when it is not nil
func (g *OneAndOneGateway) do(ctx context.Context, client *retryablehttp.Client, method, path string, body, out any) error {
	var payload any
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, g.endpoint+path, payload)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-TOKEN", g.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		var body oaoError
		if json.Unmarshal(data, &body) == nil {
			apiErr.Message = body.Message
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return classify(ErrNotFound, apiErr)
		case http.StatusUnauthorized, http.StatusForbidden:
			return classify(ErrUnauthorized, apiErr)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListServers implements Gateway
func (g *OneAndOneGateway) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("per_page", fmt.Sprint(oneAndOnePageSize))

		var batch []oaoServer
		if err := g.do(ctx, g.client, http.MethodGet, "/servers?"+q.Encode(), nil, &batch); err != nil {
			return nil, wrap("list servers", "", err)
		}
		for _, s := range batch {
			servers = append(servers, s.toServer())
		}
		if len(batch) < oneAndOnePageSize {
			return servers, nil
		}
	}
}

// GetServer implements Gateway
func (g *OneAndOneGateway) GetServer(ctx context.Context, id string) (*Server, error) {
	var s oaoServer
	if err := g.do(ctx, g.client, http.MethodGet, "/servers/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, wrap("get server", id, err)
	}
	out := s.toServer()
	return &out, nil
}

// CreateServer implements Gateway
func (g *OneAndOneGateway) CreateServer(ctx context.Context, spec ServerSpec) (*Server, error) {
	req := oaoCreateRequest{
		Name:        spec.Name,
		ApplianceID: spec.Appliance,
		RSAKey:      spec.PublicKey,
		PowerOn:     true,
	}
	req.Hardware.FixedInstanceSizeID = spec.Hardware

	var s oaoServer
	if err := g.do(ctx, g.once, http.MethodPost, "/servers", req, &s); err != nil {
		return nil, wrap("create server", spec.Name, err)
	}
	out := s.toServer()
	return &out, nil
}

// DeleteServer implements Gateway. Public IPs are released together with the server.
func (g *OneAndOneGateway) DeleteServer(ctx context.Context, id string) error {
	path := "/servers/" + url.PathEscape(id) + "?keep_ips=false"
	return wrap("delete server", id, g.do(ctx, g.client, http.MethodDelete, path, nil, nil))
}

// ListHardwareOptions implements Gateway
func (g *OneAndOneGateway) ListHardwareOptions(ctx context.Context) ([]Option, error) {
	var flavours []oaoFlavour
	if err := g.do(ctx, g.client, http.MethodGet, "/servers/fixed_instance_sizes", nil, &flavours); err != nil {
		return nil, wrap("list hardware", "", err)
	}
	options := make([]Option, 0, len(flavours))
	for _, f := range flavours {
		options = append(options, Option{
			ID:          f.ID,
			Name:        f.Name,
			Description: fmt.Sprintf("%d vCPU, %g GB RAM", f.Hardware.Vcore*max(f.Hardware.CoresPerProcessor, 1), f.Hardware.RAM),
		})
	}
	return options, nil
}

// ListApplianceOptions implements Gateway
func (g *OneAndOneGateway) ListApplianceOptions(ctx context.Context) ([]Option, error) {
	var appliances []oaoAppliance
	if err := g.do(ctx, g.client, http.MethodGet, "/server_appliances", nil, &appliances); err != nil {
		return nil, wrap("list appliances", "", err)
	}
	options := make([]Option, 0, len(appliances))
	for _, a := range appliances {
		options = append(options, Option{
			ID:          a.ID,
			Name:        a.Name,
			Description: strings.TrimSpace(a.OSFamily + " " + a.OSVersion),
		})
	}
	return options, nil
}
