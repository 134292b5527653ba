// Package client is the public SDK for talking to a coordcore
// coordinator: a raw-line client for the spec's TCP protocol, and an
// admin HTTP client for the operator surface. It hides the socket and
// JSON details behind a small Go API, the same shape as the teacher's
// client package, split across the two protocols this system actually
// speaks instead of one HTTP-only surface.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"coordcore/internal/wire"
)

// RawClient sends one request line to a coordinator's client-facing TCP
// port and returns its single reply line (spec §6).
type RawClient struct {
	Addr    string
	Timeout time.Duration
}

// NewRaw creates a RawClient targeting addr.
func NewRaw(addr string, timeout time.Duration) *RawClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &RawClient{Addr: addr, Timeout: timeout}
}

// Request sends line and returns the coordinator's single reply line.
func (c *RawClient) Request(line string) (string, error) {
	return wire.Call(c.Addr, line, c.Timeout)
}

// AdminClient talks to a coordinator's admin HTTP surface (spec §4.8).
type AdminClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAdmin creates an AdminClient. baseURL looks like
// "http://localhost:9090".
func NewAdmin(baseURL string, timeout time.Duration) *AdminClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &AdminClient{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
}

// WorkerView mirrors the admin surface's worker listing shape.
type WorkerView struct {
	ID    int    `json:"id"`
	Addr  string `json:"addr"`
	State string `json:"state"`
}

// FaultRates mirrors the admin surface's fault-rate request/response
// shape.
type FaultRates struct {
	DropPct  int `json:"drop_pct"`
	DelayPct int `json:"delay_pct"`
	WrongPct int `json:"wrong_pct"`
	MinMs    int `json:"min_ms"`
	MaxMs    int `json:"max_ms"`
}

// AddWorker calls POST /workers.
func (c *AdminClient) AddWorker(addr string, rates FaultRates) (WorkerView, error) {
	body, _ := json.Marshal(struct {
		Addr string `json:"addr"`
		FaultRates
	}{Addr: addr, FaultRates: rates})

	var out WorkerView
	err := c.do(http.MethodPost, "/workers", body, &out)
	return out, err
}

// RemoveWorker calls DELETE /workers/:id.
func (c *AdminClient) RemoveWorker(id int) error {
	return c.do(http.MethodDelete, fmt.Sprintf("/workers/%d", id), nil, nil)
}

// ListWorkers calls GET /workers.
func (c *AdminClient) ListWorkers() ([]WorkerView, error) {
	var out struct {
		Workers []WorkerView `json:"workers"`
	}
	err := c.do(http.MethodGet, "/workers", nil, &out)
	return out.Workers, err
}

// SetFaults calls PATCH /workers/:id/faults.
func (c *AdminClient) SetFaults(id int, rates FaultRates) error {
	body, _ := json.Marshal(rates)
	return c.do(http.MethodPatch, fmt.Sprintf("/workers/%d/faults", id), body, nil)
}

// Oplog calls GET /oplog?since=N and returns the raw JSON body, since
// the record shape is an operator-inspection concern rather than part of
// the stable SDK surface.
func (c *AdminClient) Oplog(since uint64) (string, error) {
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/oplog?since=%d", c.baseURL, since), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	data, err := io.ReadAll(resp.Body)
	return string(data), err
}

func (c *AdminClient) do(method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// APIError carries the HTTP status and message from a failed admin call.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
