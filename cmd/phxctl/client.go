package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Bboy9090/PhoenixCore/pkg/devgraph"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/safety"
	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

// APIClient talks to a local phoenixd.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// doRequest performs an HTTP request and unwraps the error envelope on
// non-2xx answers.
func (c *APIClient) doRequest(method, path string, body any) ([]byte, error) {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return respBody, nil
}

func (c *APIClient) rawDocRequest(path string, doc []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(doc))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Error.Code != "" {
			return nil, fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return respBody, nil
}

func (c *APIClient) testConnection() error {
	_, err := c.doRequest(http.MethodGet, "/api/v1/health", nil)
	return err
}

func (c *APIClient) getGraph() (*devgraph.DeviceGraph, error) {
	data, err := c.doRequest(http.MethodGet, "/api/v1/graph", nil)
	if err != nil {
		return nil, err
	}
	var graph devgraph.DeviceGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, err
	}
	return &graph, nil
}

func (c *APIClient) mintToken(diskID, op string, ttlSeconds int) (*safety.Minted, error) {
	req := map[string]any{"disk_id": diskID, "op": op}
	if ttlSeconds > 0 {
		req["ttl_seconds"] = ttlSeconds
	}
	data, err := c.doRequest(http.MethodPost, "/api/v1/tokens", req)
	if err != nil {
		return nil, err
	}
	var minted safety.Minted
	if err := json.Unmarshal(data, &minted); err != nil {
		return nil, err
	}
	return &minted, nil
}

type validateResult struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Steps int    `json:"steps"`
}

func (c *APIClient) validateWorkflow(doc []byte) (*validateResult, error) {
	data, err := c.rawDocRequest("/api/v1/workflows/validate", doc)
	if err != nil {
		return nil, err
	}
	var res validateResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *APIClient) runWorkflow(doc []byte, force bool, tokens map[string]string, overrides map[string]any) (string, error) {
	req := map[string]any{"workflow": json.RawMessage(doc)}
	if force {
		req["force"] = true
	}
	if len(tokens) > 0 {
		req["tokens"] = tokens
	}
	if len(overrides) > 0 {
		req["overrides"] = overrides
	}
	data, err := c.doRequest(http.MethodPost, "/api/v1/workflows/run", req)
	if err != nil {
		return "", err
	}
	var res struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", err
	}
	return res.RunID, nil
}

func (c *APIClient) getRun(id string) (*workflow.Run, error) {
	data, err := c.doRequest(http.MethodGet, "/api/v1/runs/"+id, nil)
	if err != nil {
		return nil, err
	}
	var run workflow.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *APIClient) listRuns(limit int) ([]report.IndexEntry, error) {
	path := "/api/v1/runs"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	data, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		Runs []report.IndexEntry `json:"runs"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res.Runs, nil
}

// logEntry mirrors one line of the run's JSONL log.
type logEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level"`
	StepID string    `json:"step_id,omitempty"`
	Msg    string    `json:"msg"`
}

func (c *APIClient) runLog(id string, cursor int) ([]logEntry, int, error) {
	data, err := c.doRequest(http.MethodGet, fmt.Sprintf("/api/v1/runs/%s/log?cursor=%d", id, cursor), nil)
	if err != nil {
		return nil, cursor, err
	}
	var res struct {
		Entries []logEntry `json:"entries"`
		Cursor  int        `json:"cursor"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, cursor, err
	}
	return res.Entries, res.Cursor, nil
}

func (c *APIClient) cancelRun(id string) error {
	_, err := c.doRequest(http.MethodPost, "/api/v1/runs/"+id+"/cancel", nil)
	return err
}

func (c *APIClient) verifyReport(dir string) (*report.Verification, error) {
	data, err := c.doRequest(http.MethodPost, "/api/v1/reports/verify", map[string]string{"bundle_dir": dir})
	if err != nil {
		return nil, err
	}
	var v report.Verification
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *APIClient) verifyTree(root string) (*report.TreeResult, error) {
	data, err := c.doRequest(http.MethodPost, "/api/v1/reports/verify-tree", map[string]string{"root": root})
	if err != nil {
		return nil, err
	}
	var tr report.TreeResult
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (c *APIClient) exportReport(id, output string) (int64, error) {
	data, err := c.doRequest(http.MethodPost, "/api/v1/reports/"+id+"/export", map[string]string{"output": output})
	if err != nil {
		return 0, err
	}
	var res struct {
		SizeBytes int64 `json:"size_bytes"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return 0, err
	}
	return res.SizeBytes, nil
}

type packRunSummary struct {
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	BundlePath string `json:"bundle_path"`
}

func (c *APIClient) packValidate(dir string) (json.RawMessage, error) {
	return c.doRequest(http.MethodPost, "/api/v1/packs/validate", map[string]string{"dir": dir})
}

func (c *APIClient) packRun(dir string, force bool, tokens map[string]string, overrides map[string]any) ([]packRunSummary, error) {
	req := map[string]any{"dir": dir}
	if force {
		req["force"] = true
	}
	if len(tokens) > 0 {
		req["tokens"] = tokens
	}
	if len(overrides) > 0 {
		req["overrides"] = overrides
	}
	data, err := c.doRequest(http.MethodPost, "/api/v1/packs/run", req)
	if err != nil {
		return nil, err
	}
	var res struct {
		Runs []packRunSummary `json:"runs"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res.Runs, nil
}

func (c *APIClient) packSign(dir string) (string, error) {
	data, err := c.doRequest(http.MethodPost, "/api/v1/packs/sign", map[string]string{"dir": dir})
	if err != nil {
		return "", err
	}
	var res struct {
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", err
	}
	return res.Signature, nil
}

func (c *APIClient) packVerify(dir string) error {
	_, err := c.doRequest(http.MethodPost, "/api/v1/packs/verify", map[string]string{"dir": dir})
	return err
}

func (c *APIClient) packExport(dir, output string) (int64, error) {
	data, err := c.doRequest(http.MethodPost, "/api/v1/packs/export", map[string]string{"dir": dir, "output": output})
	if err != nil {
		return 0, err
	}
	var res struct {
		SizeBytes int64 `json:"size_bytes"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return 0, err
	}
	return res.SizeBytes, nil
}
