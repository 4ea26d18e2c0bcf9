package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loftpress/newsletter-engine/internal/pkg/httpretry"
	"github.com/loftpress/newsletter-engine/internal/pkg/logger"
)

// MJMLClient converts MJML to HTML through the hosted MJML render API.
// It implements Converter.
type MJMLClient struct {
	baseURL    string
	appID      string
	secretKey  string
	httpClient httpretry.HTTPDoer
}

// NewMJMLClient creates a renderer client. appID and secretKey are the
// MJML API basic-auth credentials. Transient failures (429, 5xx,
// network errors) are retried with backoff.
func NewMJMLClient(baseURL, appID, secretKey string, timeout time.Duration) *MJMLClient {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &MJMLClient{
		baseURL:    baseURL,
		appID:      appID,
		secretKey:  secretKey,
		httpClient: httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 2),
	}
}

type mjmlRenderRequest struct {
	MJML string `json:"mjml"`
}

type mjmlRenderResponse struct {
	HTML   string `json:"html"`
	MJML   string `json:"mjml"`
	Errors []struct {
		Line    int    `json:"line"`
		Message string `json:"message"`
		TagName string `json:"tagName"`
	} `json:"errors"`
}

// Convert renders markup to HTML. Renderer-level diagnostics come back
// as warnings; transport or non-2xx failures are errors.
func (c *MJMLClient) Convert(ctx context.Context, mjml string) (string, []string, error) {
	payload, err := json.Marshal(mjmlRenderRequest{MJML: mjml})
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(payload))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.appID, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("mjml render request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("mjml render returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var rendered mjmlRenderResponse
	if err := json.Unmarshal(body, &rendered); err != nil {
		return "", nil, fmt.Errorf("mjml render response invalid: %w", err)
	}

	var warnings []string
	for _, e := range rendered.Errors {
		warnings = append(warnings, fmt.Sprintf("mjml line %d <%s>: %s", e.Line, e.TagName, e.Message))
	}
	if len(warnings) > 0 {
		logger.Warn("mjml conversion produced diagnostics", "count", len(warnings))
	}
	return rendered.HTML, warnings, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
