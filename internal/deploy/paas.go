package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"buildforge/pkg/models"
)

// PaaSClient talks to the third-party platform. Deploy creation returns a
// provider deployment id in a pending state; true completion arrives later
// via webhook or is polled from the status endpoint.
type PaaSClient interface {
	CreateDeployment(ctx context.Context, req *PaaSDeployRequest) (providerID string, err error)
	GetDeployment(ctx context.Context, providerID string) (*PaaSStatus, error)
}

// PaaSDeployRequest carries the files and build settings for one deployment.
type PaaSDeployRequest struct {
	Name      string            `json:"name"`
	Files     []PaaSFile        `json:"files"`
	Framework string            `json:"framework,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

type PaaSFile struct {
	Path    string `json:"file"`
	Content string `json:"data"`
}

// PaaSStatus is the provider's view of a deployment.
type PaaSStatus struct {
	ProviderID   string `json:"id"`
	State        string `json:"readyState"`
	URL          string `json:"url"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// HTTPPaaSClient is the REST implementation.
type HTTPPaaSClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPPaaSClient(baseURL, token string) *HTTPPaaSClient {
	return &HTTPPaaSClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *HTTPPaaSClient) CreateDeployment(ctx context.Context, req *PaaSDeployRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal deploy request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v13/deployments", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("deploy request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("deploy request rejected with status %d: %s", resp.StatusCode, string(raw))
	}

	var status PaaSStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", fmt.Errorf("failed to decode deploy response: %w", err)
	}
	if status.ProviderID == "" {
		return "", fmt.Errorf("deploy response carried no deployment id")
	}
	return status.ProviderID, nil
}

func (c *HTTPPaaSClient) GetDeployment(ctx context.Context, providerID string) (*PaaSStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v13/deployments/"+providerID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status request rejected with status %d: %s", resp.StatusCode, string(raw))
	}

	var status PaaSStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &status, nil
}

// mapProviderState translates the provider's state vocabulary into the
// lattice. Unknown states map to empty, which no transition accepts.
func mapProviderState(state string) string {
	switch state {
	case "QUEUED":
		return models.DeployStateQueued
	case "INITIALIZING":
		return models.DeployStateInitializing
	case "BUILDING":
		return models.DeployStateBuilding
	case "READY":
		return models.DeployStateReady
	case "ERROR":
		return models.DeployStateError
	case "CANCELED":
		return models.DeployStateCanceled
	default:
		return ""
	}
}
