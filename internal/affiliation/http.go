package affiliation

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

type affiliationResponse struct {
	OrganizationID string `json:"organizationId"`
}

// HTTPResolver asks a remote affiliation service.
type HTTPResolver struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPResolver creates a resolver calling GET {baseURL}/affiliations.
func NewHTTPResolver(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPResolver {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")

	return &HTTPResolver{
		httpClient: client,
		logger:     logger,
	}
}

func (c *HTTPResolver) Resolve(ctx context.Context, memberID, segmentID string, at time.Time) (string, error) {
	var response affiliationResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"memberId":  memberID,
			"segmentId": segmentID,
			"timestamp": at.UTC().Format(time.RFC3339),
		}).
		SetResult(&response).
		Get("/affiliations")
	if err != nil {
		c.logger.Error("Affiliation service call failed",
			zap.String("member_id", memberID),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to call affiliation service: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return "", nil
	case resp.IsError():
		return "", fmt.Errorf("affiliation service returned status %d", resp.StatusCode())
	}
	return response.OrganizationID, nil
}
