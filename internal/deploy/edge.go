package deploy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// EdgeClient pushes static assets plus a small edge-function bundle to the
// in-house host. Unlike the PaaS backend this is synchronous: the response
// is the final word.
type EdgeClient interface {
	Push(ctx context.Context, req *EdgePushRequest) (url string, err error)
}

// EdgePushRequest is one atomic publish of a site.
type EdgePushRequest struct {
	ProjectID      uint        `json:"project_id"`
	VersionID      string      `json:"version_id"`
	Assets         []EdgeAsset `json:"assets"`
	FunctionBundle string      `json:"function_bundle,omitempty"` // base64
}

type EdgeAsset struct {
	Path    string `json:"path"`
	Content string `json:"content"` // base64
}

// HTTPEdgeClient is the REST implementation against the edge host's admin
// endpoint.
type HTTPEdgeClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPEdgeClient(baseURL string) *HTTPEdgeClient {
	return &HTTPEdgeClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *HTTPEdgeClient) Push(ctx context.Context, req *EdgePushRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal edge push: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sites", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("edge push failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("edge push rejected with status %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("failed to decode edge push response: %w", err)
	}
	return out.URL, nil
}

// collectAssets loads the built site from disk into an edge push request.
// The edge-function entry point, when present, rides separately from the
// static asset set.
func collectAssets(outputDir string, projectID uint, versionID string) (*EdgePushRequest, error) {
	req := &EdgePushRequest{ProjectID: projectID, VersionID: versionID}

	err := filepath.Walk(outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		if rel == "_edge/handler.js" {
			req.FunctionBundle = encoded
			return nil
		}
		req.Assets = append(req.Assets, EdgeAsset{
			Path:    filepath.ToSlash(rel),
			Content: encoded,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect assets from %s: %w", outputDir, err)
	}
	return req, nil
}
