package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"fleetd/internal/objects"
	"fleetd/pkg/logger"
)

// notifyRetries is how many times a notify call is repeated after the
// first attempt when the endpoint answers with a transient status.
const notifyRetries = 3

// notifyBackoff paces the retries.
const notifyBackoff = 100 * time.Millisecond

// retryStatuses are the HTTP statuses worth retrying a notify call on.
var retryStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooEarly:            true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Notifier performs the agent's outbound HTTP calls: notify leaves and
// the best-effort mission control integrations.
type Notifier struct {
	client *http.Client
}

// NewNotifier returns a Notifier. Timeouts come from the individual
// calls, so the shared client carries none.
func NewNotifier() *Notifier {
	return &Notifier{client: &http.Client{}}
}

// Notify posts the leaf's payload to its URL and reports whether the
// call counts as a success. Transient statuses and connection errors
// are retried up to notifyRetries times.
func (n *Notifier) Notify(ctx context.Context, node *objects.NotifyNode) bool {
	body, err := json.Marshal(node.JSONData)
	if err != nil {
		logger.Warn().Err(err).Str("url", node.URL).Msg("Failed to encode notify payload")
		return false
	}
	for attempt := 0; ; attempt++ {
		status, err := n.post(ctx, node.URL, node.Timeout.Duration(), body)
		switch {
		case err == nil && status >= 200 && status < 300:
			return true
		case err == nil && !retryStatuses[status]:
			logger.Warn().Int("status", status).Str("url", node.URL).Msg("Notify rejected")
			return false
		}
		if attempt >= notifyRetries {
			if err != nil {
				logger.Warn().Err(err).Str("url", node.URL).Msg("Notify failed")
			} else {
				logger.Warn().Int("status", status).Str("url", node.URL).Msg("Notify failed")
			}
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(notifyBackoff):
		}
	}
}

// PushMap asks mission control to deploy a map to the robot.
func (n *Notifier) PushMap(ctx context.Context, base, robot string) error {
	target := fmt.Sprintf("%s/api/v1/push_map?robot_name=%s", base, url.QueryEscape(robot))
	status, err := n.post(ctx, target, 10*time.Second, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("push_map returned status %d", status)
	}
	return nil
}

// RequestCharging asks mission control to send the robot to a charger.
func (n *Notifier) RequestCharging(ctx context.Context, base, robot string) error {
	body, err := json.Marshal(map[string]string{"robot_name": robot})
	if err != nil {
		return err
	}
	status, err := n.post(ctx, base+"/api/v1/mission/charging", 10*time.Second, body)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("charging request returned status %d", status)
	}
	return nil
}

func (n *Notifier) post(ctx context.Context, target string, timeout time.Duration, body []byte) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
