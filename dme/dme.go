// Package dme is a client for the discovery service REST API.
package dme

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/model"
)

// REST paths of the discovery service.
const (
	RegisterClientPath = "/v1/registerclient"
	FindCloudletPath   = "/v1/findcloudlet"
	AppInstListPath    = "/v1/getappinstlist"
	EdgeEventsPath     = "/v1/edgeevents"
)

// Reply statuses.
const (
	RegisterSuccess    = "RS_SUCCESS"
	AppInstListSuccess = "AI_SUCCESS"
)

// DefaultTimeout bounds each request when the HTTP client has no timeout.
const DefaultTimeout = 15 * time.Second

var (
	// ErrStatus means that the service answered with a non success status.
	ErrStatus = errors.New("dme: request failed")
	// ErrHTTP means that the service answered with a non 2xx code.
	ErrHTTP = errors.New("dme: unexpected http status")
)

// RegisterClientRequest identifies the application to the service.
type RegisterClientRequest struct {
	OrgName      string            `json:"org_name"`
	AppName      string            `json:"app_name"`
	AppVers      string            `json:"app_vers"`
	CarrierName  string            `json:"carrier_name,omitempty"`
	AuthToken    string            `json:"auth_token,omitempty"`
	UniqueIDType string            `json:"unique_id_type,omitempty"`
	UniqueID     string            `json:"unique_id,omitempty"`
	CellID       uint32            `json:"cell_id,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// RegisterClientReply carries the session cookie.
type RegisterClientReply struct {
	Status         string `json:"status"`
	SessionCookie  string `json:"session_cookie"`
	TokenServerURI string `json:"token_server_uri,omitempty"`
	UniqueIDType   string `json:"unique_id_type,omitempty"`
	UniqueID       string `json:"unique_id,omitempty"`
}

// FindCloudletRequest asks for the best endpoint near GpsLocation.
type FindCloudletRequest struct {
	SessionCookie string            `json:"session_cookie"`
	CarrierName   string            `json:"carrier_name,omitempty"`
	GpsLocation   model.Location    `json:"gps_location"`
	CellID        uint32            `json:"cell_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// AppInstListRequest asks for every instance of the registered application.
type AppInstListRequest struct {
	SessionCookie string            `json:"session_cookie"`
	CarrierName   string            `json:"carrier_name,omitempty"`
	GpsLocation   model.Location    `json:"gps_location"`
	Limit         uint32            `json:"limit,omitempty"`
	CellID        uint32            `json:"cell_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// AppInstListReply lists instances grouped by cloudlet, nearest first.
type AppInstListReply struct {
	Status    string                    `json:"status"`
	Cloudlets []model.CloudletInstances `json:"cloudlets"`
}

// Discoverer is the part of the service used to find endpoints.
type Discoverer interface {
	FindCloudlet(ctx context.Context, req *FindCloudletRequest) (*model.FindCloudletReply, error)
	GetAppInstList(ctx context.Context, req *AppInstListRequest) (*AppInstListReply, error)
}

// Client talks to one discovery service.
type Client struct {
	base *url.URL
	// HTTPClient is used for every request.
	HTTPClient *http.Client
}

// New returns a client for the service at base, e.g. "https://dme.example:38001".
func New(base string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("dme: unsupported scheme %q", u.Scheme)
	}
	return &Client{
		base:       u,
		HTTPClient: &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// BaseURL returns a copy of the service URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// EdgeEventsURL returns the websocket URL of the edge events stream.
func (c *Client) EdgeEventsURL() *url.URL {
	u := c.BaseURL()
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = path.Join(u.Path, EdgeEventsPath)
	return u
}

// RegisterClient registers the application and returns the session cookie.
func (c *Client) RegisterClient(ctx context.Context, req *RegisterClientRequest) (*RegisterClientReply, error) {
	reply := &RegisterClientReply{}
	if err := c.post(ctx, RegisterClientPath, "", req, reply); err != nil {
		return nil, err
	}
	if reply.Status != RegisterSuccess {
		return reply, fmt.Errorf("%w: registerclient status %s", ErrStatus, reply.Status)
	}
	return reply, nil
}

// FindCloudlet returns the best endpoint. A reply with a status other than
// FIND_FOUND is returned together with an error wrapping ErrStatus.
func (c *Client) FindCloudlet(ctx context.Context, req *FindCloudletRequest) (*model.FindCloudletReply, error) {
	reply := &model.FindCloudletReply{}
	if err := c.post(ctx, FindCloudletPath, req.SessionCookie, req, reply); err != nil {
		return nil, err
	}
	if reply.Status != model.FindFound {
		return reply, fmt.Errorf("%w: findcloudlet status %s", ErrStatus, reply.Status)
	}
	return reply, nil
}

// GetAppInstList returns every instance of the application.
func (c *Client) GetAppInstList(ctx context.Context, req *AppInstListRequest) (*AppInstListReply, error) {
	reply := &AppInstListReply{}
	if err := c.post(ctx, AppInstListPath, req.SessionCookie, req, reply); err != nil {
		return nil, err
	}
	if reply.Status != AppInstListSuccess {
		return reply, fmt.Errorf("%w: getappinstlist status %s", ErrStatus, reply.Status)
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, p, cookie string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	u := c.BaseURL()
	u.Path = path.Join(u.Path, p)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie != "" {
		req.Header.Set("Authorization", "Bearer "+cookie)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		logging.Logger.WithError(err).Debugf("dme: POST %s failed", p)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %d %s", ErrHTTP, p, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ Discoverer = (*Client)(nil)
