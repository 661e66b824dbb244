package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"resty.dev/v3"
)

// RestClient talks to a ticket service over HTTP. Transport-level failures
// and 5xx responses are wrapped as ErrTransient so the coordinator retries
// them on a later tick instead of failing the phase.
type RestClient struct {
	http *resty.Client
}

// NewRestClient builds a client against the service base URL. The timeout
// bounds each call so a slow tracker cannot stall a scheduling tick; quick
// retries for flaky connections happen inside the client, slow retries stay
// with the coordinator's tick cadence.
func NewRestClient(baseURL string, timeout time.Duration) *RestClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &RestClient{http: client}
}

// Close releases idle connections.
func (c *RestClient) Close() error {
	return c.http.Close()
}

type createRequest struct {
	FeatureID   string          `json:"feature_id"`
	PhaseNumber int             `json:"phase_number"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type createResponse struct {
	Ref string `json:"ref"`
}

// Create implements Service.
func (c *RestClient) Create(ctx context.Context, featureID string, phaseNumber int, payload json.RawMessage) (string, error) {
	var result createResponse
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(createRequest{FeatureID: featureID, PhaseNumber: phaseNumber, Payload: payload}).
		SetResult(&result).
		Post("/tickets")
	if err != nil {
		return "", fmt.Errorf("%w: create for %s phase %d: %v", ErrTransient, featureID, phaseNumber, err)
	}
	if res.IsError() {
		if res.StatusCode() >= 500 {
			return "", fmt.Errorf("%w: create for %s phase %d: status %d", ErrTransient, featureID, phaseNumber, res.StatusCode())
		}
		return "", fmt.Errorf("ticket: create for %s phase %d rejected: status %d", featureID, phaseNumber, res.StatusCode())
	}
	if result.Ref == "" {
		return "", fmt.Errorf("ticket: create for %s phase %d: empty reference in response", featureID, phaseNumber)
	}
	return result.Ref, nil
}

type commentRequest struct {
	Text string `json:"text"`
}

// Comment implements Service.
func (c *RestClient) Comment(ctx context.Context, ref string, text string) error {
	res, err := c.http.R().
		SetContext(ctx).
		SetBody(commentRequest{Text: text}).
		Post(fmt.Sprintf("/tickets/%s/comments", ref))
	if err != nil {
		return fmt.Errorf("%w: comment on %s: %v", ErrTransient, ref, err)
	}
	if res.IsError() {
		if res.StatusCode() >= 500 {
			return fmt.Errorf("%w: comment on %s: status %d", ErrTransient, ref, res.StatusCode())
		}
		return fmt.Errorf("ticket: comment on %s rejected: status %d", ref, res.StatusCode())
	}
	return nil
}
