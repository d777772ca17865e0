package pushgateway

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/habgyt95-stack/Chat-Support-sub001/pkg/httputil"
)

// Client sends push notifications through the notification collaborator's
// HTTP gateway.
type Client struct {
	httpClient *resty.Client
	baseURL    string
}

// NewClient creates a new push gateway client.
func NewClient(baseURL, accessToken string) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("push gateway baseURL cannot be empty")
	}
	if accessToken == "" {
		return nil, fmt.Errorf("push gateway accessToken cannot be empty")
	}

	client := httputil.NewDefaultRestyClient().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken)

	log.Info().Str("baseURL", baseURL).Msg("Push gateway client configured")

	return &Client{
		httpClient: client,
		baseURL:    baseURL,
	}, nil
}

// Send submits one notification to the gateway.
func (c *Client) Send(ctx context.Context, payload PushPayload) (*PushResponse, error) {
	url := "/v1/push"

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&PushResponse{}).
		Post(url)

	if err != nil {
		log.Error().Err(err).Str("url", url).Str("eventID", payload.EventID).Msg("Push gateway: send request failed")
		return nil, fmt.Errorf("push gateway send request failed: %w", err)
	}

	if resp.IsError() {
		log.Error().Str("url", url).Str("eventID", payload.EventID).Int("statusCode", resp.StatusCode()).Str("responseBody", string(resp.Body())).Msg("Push gateway: send returned an error")
		return nil, fmt.Errorf("push gateway send error: status %s, body: %s", resp.Status(), resp.String())
	}

	result := resp.Result().(*PushResponse)
	if len(result.InvalidTokens) > 0 {
		log.Warn().Str("eventID", payload.EventID).Strs("invalidTokens", result.InvalidTokens).Msg("Push gateway rejected device tokens")
	}
	log.Debug().Str("eventID", payload.EventID).Int("accepted", result.Accepted).Msg("Push gateway accepted notification")
	return result, nil
}
