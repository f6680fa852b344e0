/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package scoring wraps the external scoring API (spec §6): a create
// endpoint and a confirm endpoint shared by POV, patch, and SARIF
// submissions, behind a circuit breaker so a flaky scoring API degrades
// to fast failures instead of stalling the Submission Loop.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

// Kind names the submission category in the scoring API's URL path.
type Kind string

const (
	KindPOV   Kind = "pov"
	KindPatch Kind = "patch"
	KindSarif Kind = "sarif-assessment"
)

// Status is the scoring API's closed status vocabulary (spec §6).
type Status string

const (
	StatusAccepted         Status = "accepted"
	StatusPassed           Status = "passed"
	StatusFailed           Status = "failed"
	StatusDeadlineExceeded Status = "deadline_exceeded"
	StatusErrored          Status = "errored"
	StatusInconclusive     Status = "inconclusive"
)

// IsTerminal reports whether status ends the Submission Loop's polling
// for this submission.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusDeadlineExceeded:
		return true
	default:
		return false
	}
}

// CreateResponse is the create endpoint's body: {status, <kind>_id?}.
type CreateResponse struct {
	Status       Status `json:"status"`
	SubmissionID string `json:"-"`
}

// ConfirmResponse is the confirm endpoint's body.
type ConfirmResponse struct {
	Status                    Status `json:"status"`
	FunctionalityTestsPassing *bool  `json:"functionality_tests_passing,omitempty"`
}

// Client calls the scoring API's create/confirm endpoints, wrapped in a
// circuit breaker (5 consecutive failures trips, 30s cooldown) matching
// the Dedup oracle client's external-API posture.
type Client struct {
	http    *http.Client
	baseURL string
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a Client against baseURL using httpClient (nil
// defaults to a new http.Client with a 30s timeout).
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:    httpClient,
		baseURL: baseURL,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "scoring-api",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Create POSTs body to <base>/<kind>/<taskID> and returns the parsed
// status plus the assigned submission id, reading the id from whichever
// of "<kind>_id"/"id" the response carries.
func (c *Client) Create(ctx context.Context, kind Kind, taskID string, body []byte) (CreateResponse, error) {
	url := fmt.Sprintf("%s/%s/%s", c.baseURL, kind, taskID)
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doJSON(ctx, http.MethodPost, url, body)
	})
	if err != nil {
		return CreateResponse{}, crserrors.Wrap(crserrors.KindTransientInfra, "scoring api create", err)
	}
	raw := result.(map[string]json.RawMessage)

	var resp CreateResponse
	if err := json.Unmarshal(raw["status"], &resp.Status); err != nil {
		return CreateResponse{}, crserrors.ParseError("scoring api create response", "json", err)
	}
	idKey := fmt.Sprintf("%s_id", kind)
	if idRaw, ok := raw[idKey]; ok {
		var id string
		_ = json.Unmarshal(idRaw, &id)
		resp.SubmissionID = id
	} else if idRaw, ok := raw["id"]; ok {
		var id string
		_ = json.Unmarshal(idRaw, &id)
		resp.SubmissionID = id
	}
	return resp, nil
}

// Confirm GETs <base>/<kind>/<taskID>/<submissionID>.
func (c *Client) Confirm(ctx context.Context, kind Kind, taskID, submissionID string) (ConfirmResponse, error) {
	url := fmt.Sprintf("%s/%s/%s/%s", c.baseURL, kind, taskID, submissionID)
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doJSON(ctx, http.MethodGet, url, nil)
	})
	if err != nil {
		return ConfirmResponse{}, crserrors.Wrap(crserrors.KindTransientInfra, "scoring api confirm", err)
	}
	raw := result.(map[string]json.RawMessage)

	var resp ConfirmResponse
	if err := json.Unmarshal(raw["status"], &resp.Status); err != nil {
		return ConfirmResponse{}, crserrors.ParseError("scoring api confirm response", "json", err)
	}
	if passRaw, ok := raw["functionality_tests_passing"]; ok {
		var passing bool
		if err := json.Unmarshal(passRaw, &passing); err == nil {
			resp.FunctionalityTestsPassing = &passing
		}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, url string, body []byte) (map[string]json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("scoring api returned %d: %s", resp.StatusCode, string(data))
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}
