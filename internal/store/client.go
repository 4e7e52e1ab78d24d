package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetd/internal/objects"
	"fleetd/pkg/logger"
)

// reconnectPeriod is how long watchers wait before redialing the store.
const reconnectPeriod = 500 * time.Millisecond

// watchBuffer is the channel depth handed to watch consumers.
const watchBuffer = 64

// Client talks to one surface of the store API over HTTP.
type Client struct {
	base      string
	publisher string
	http      *http.Client
}

var _ Store = (*Client)(nil)

// NewClient returns a client for the API at base, for example
// "http://localhost:5001". All writes carry the client's publisher id so
// its own watchers never see echoes of them.
func NewClient(base string) *Client {
	return &Client{
		base:      strings.TrimRight(base, "/"),
		publisher: uuid.New().String(),
		// Watch responses stream forever, so the client carries no global
		// timeout. Callers bound individual requests through ctx.
		http: &http.Client{},
	}
}

func (c *Client) endpoint(kind objects.Kind, parts ...string) string {
	segments := append([]string{c.base, "api", "v1", string(kind)}, parts...)
	return strings.Join(segments, "/")
}

func withParams(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

// do runs one request and decodes the response into out when given.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return objects.NewServerError("encode request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return objects.NewServerError("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	q := req.URL.Query()
	q.Set("publisher_id", c.publisher)
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return objects.NewTransientError(err, "store request %s %s failed", method, req.URL.Path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return objects.NewServerError("decode %s response: %v", req.URL.Path, err)
	}
	return nil
}

// responseError turns a non-200 response into a classified error, using
// the detail body when one is present.
func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	msg := strings.TrimSpace(string(data))
	var detail struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &detail); err == nil && detail.Detail != "" {
		msg = detail.Detail
	}
	if msg == "" {
		msg = resp.Status
	}
	return objects.FromHTTPStatus(resp.StatusCode, msg)
}

// Health reports whether the store answers on this surface.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.base+"/health", nil, nil)
}

// Create posts a raw create body for kind and returns the stored wire
// object. Tools use this to apply files without forcing them through the
// typed model first.
func (c *Client) Create(ctx context.Context, kind objects.Kind, body map[string]any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, http.MethodPost, c.endpoint(kind), body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRobot stores a new robot under its name.
func (c *Client) CreateRobot(ctx context.Context, robot *objects.Robot) (*objects.Robot, error) {
	payload, err := createPayload(robot)
	if err != nil {
		return nil, err
	}
	var out objects.Robot
	if err := c.do(ctx, http.MethodPost, c.endpoint(objects.KindRobot), payload, &out); err != nil {
		return nil, err
	}
	objects.Normalize(&out)
	return &out, nil
}

// CreateMission stores a new mission under its name.
func (c *Client) CreateMission(ctx context.Context, mission *objects.Mission) (*objects.Mission, error) {
	payload, err := createPayload(mission)
	if err != nil {
		return nil, err
	}
	var out objects.Mission
	if err := c.do(ctx, http.MethodPost, c.endpoint(objects.KindMission), payload, &out); err != nil {
		return nil, err
	}
	objects.Normalize(&out)
	return &out, nil
}

// createPayload flattens an object into the create body: its spec fields
// plus the name when one is set.
func createPayload(obj objects.Object) (map[string]json.RawMessage, error) {
	spec, _, err := objects.SplitObject(obj)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(spec, &fields); err != nil {
		return nil, err
	}
	if name := obj.GetName(); name != "" {
		encoded, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		fields["name"] = encoded
	}
	return fields, nil
}

func (c *Client) GetRobot(ctx context.Context, name string) (*objects.Robot, error) {
	var out objects.Robot
	if err := c.do(ctx, http.MethodGet, c.endpoint(objects.KindRobot, name), nil, &out); err != nil {
		return nil, err
	}
	objects.Normalize(&out)
	return &out, nil
}

func (c *Client) GetMission(ctx context.Context, name string) (*objects.Mission, error) {
	var out objects.Mission
	if err := c.do(ctx, http.MethodGet, c.endpoint(objects.KindMission, name), nil, &out); err != nil {
		return nil, err
	}
	objects.Normalize(&out)
	return &out, nil
}

// ListRobots returns the robots matching params, all of them when params
// is empty.
func (c *Client) ListRobots(ctx context.Context, params url.Values) ([]*objects.Robot, error) {
	var out []*objects.Robot
	if err := c.do(ctx, http.MethodGet, withParams(c.endpoint(objects.KindRobot), params), nil, &out); err != nil {
		return nil, err
	}
	for _, robot := range out {
		objects.Normalize(robot)
	}
	return out, nil
}

// ListMissions returns the missions matching params.
func (c *Client) ListMissions(ctx context.Context, params url.Values) ([]*objects.Mission, error) {
	var out []*objects.Mission
	if err := c.do(ctx, http.MethodGet, withParams(c.endpoint(objects.KindMission), params), nil, &out); err != nil {
		return nil, err
	}
	for _, mission := range out {
		objects.Normalize(mission)
	}
	return out, nil
}

func (c *Client) UpdateRobotStatus(ctx context.Context, robot *objects.Robot) error {
	body := map[string]objects.RobotStatus{"status": robot.Status}
	return c.do(ctx, http.MethodPut, c.endpoint(objects.KindRobot, robot.Name), body, nil)
}

func (c *Client) UpdateMissionStatus(ctx context.Context, mission *objects.Mission) error {
	body := map[string]objects.MissionStatus{"status": mission.Status}
	return c.do(ctx, http.MethodPut, c.endpoint(objects.KindMission, mission.Name), body, nil)
}

// UpdateRobotSpec replaces a robot's spec through the external API.
func (c *Client) UpdateRobotSpec(ctx context.Context, robot *objects.Robot) error {
	spec, _, err := objects.SplitObject(robot)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, c.endpoint(objects.KindRobot, robot.Name), json.RawMessage(spec), nil)
}

func (c *Client) DeleteRobot(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint(objects.KindRobot, name), nil, nil)
}

func (c *Client) DeleteMission(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint(objects.KindMission, name), nil, nil)
}

// CancelMission asks the dispatcher to cancel a mission and returns the
// server's confirmation text.
func (c *Client) CancelMission(ctx context.Context, name string) (string, error) {
	var out struct {
		Detail string `json:"detail"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint(objects.KindMission, name, "cancel"), nil, &out); err != nil {
		return "", err
	}
	return out.Detail, nil
}

// UpdateMissionRoutes submits replacement waypoints for named route nodes.
func (c *Client) UpdateMissionRoutes(ctx context.Context, name string, nodes map[string]objects.RouteNode) (string, error) {
	var out struct {
		Detail string `json:"detail"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint(objects.KindMission, name, "update"), nodes, &out); err != nil {
		return "", err
	}
	return out.Detail, nil
}

// TeleopRobot switches a robot in or out of teleoperation.
func (c *Client) TeleopRobot(ctx context.Context, name string, action objects.TeleopAction) (string, error) {
	body := map[string]objects.TeleopAction{"action": action}
	var out struct {
		Detail string `json:"detail"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint(objects.KindRobot, name, "teleop"), body, &out); err != nil {
		return "", err
	}
	return out.Detail, nil
}

// WatchRobots streams robot changes. Lost connections are retried until
// ctx ends; every reconnect replays a full snapshot first, so consumers
// must treat events as the newest version of an object, not as deltas.
func (c *Client) WatchRobots(ctx context.Context) <-chan *objects.Robot {
	ch := make(chan *objects.Robot, watchBuffer)
	go func() {
		defer close(ch)
		c.watch(ctx, objects.KindRobot, func(line []byte) bool {
			var robot objects.Robot
			if err := json.Unmarshal(line, &robot); err != nil {
				logger.Error().Err(err).Msg("Discarding malformed robot event")
				return true
			}
			objects.Normalize(&robot)
			select {
			case ch <- &robot:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch
}

// WatchMissions streams mission changes with the same contract as
// WatchRobots.
func (c *Client) WatchMissions(ctx context.Context) <-chan *objects.Mission {
	ch := make(chan *objects.Mission, watchBuffer)
	go func() {
		defer close(ch)
		c.watch(ctx, objects.KindMission, func(line []byte) bool {
			var mission objects.Mission
			if err := json.Unmarshal(line, &mission); err != nil {
				logger.Error().Err(err).Msg("Discarding malformed mission event")
				return true
			}
			objects.Normalize(&mission)
			select {
			case ch <- &mission:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch
}

func (c *Client) watch(ctx context.Context, kind objects.Kind, deliver func([]byte) bool) {
	endpoint := c.endpoint(kind, "watch") + "?publisher_id=" + c.publisher
	for {
		err := c.streamOnce(ctx, endpoint, deliver)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warnf("Failed to connect to mission-database, retrying in %g",
				reconnectPeriod.Seconds())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectPeriod):
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, endpoint string, deliver func([]byte) bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !deliver(line) {
			return nil
		}
	}
	return scanner.Err()
}
