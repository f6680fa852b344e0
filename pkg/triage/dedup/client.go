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

package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

// Client calls an Anthropic model to make the cluster-membership
// judgment, wrapped in a circuit breaker so a flaky oracle degrades to
// fast failures (classified KindTransientInfra so the triage worker
// requeues) instead of hanging every triage message behind a timeout.
type Client struct {
	api     anthropic.Client
	model   anthropic.Model
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a Client against the Anthropic API using apiKey, with
// a circuit breaker that opens after 5 consecutive failures and probes
// again after 30s.
func NewClient(apiKey string, model anthropic.Model) *Client {
	return &Client{
		api:   anthropic.NewClient(option.WithAPIKey(apiKey)),
		model: model,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "dedup-oracle",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (c *Client) Decide(ctx context.Context, newProfile Profile, existing []Profile) (Decision, error) {
	if len(existing) == 0 {
		// Nothing to compare against; the new profile founds its own
		// cluster without spending a model call.
		return Decision{IsNew: true}, nil
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.ask(ctx, newProfile, existing)
	})
	if err != nil {
		return Decision{}, crserrors.Wrap(crserrors.KindTransientInfra, "dedup oracle decide", err)
	}
	return result.(Decision), nil
}

func (c *Client) ask(ctx context.Context, newProfile Profile, existing []Profile) (Decision, error) {
	prompt := buildPrompt(newProfile, existing)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Decision{}, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	var parsed struct {
		ClusterID int64 `json:"cluster_id"`
		IsNew     bool  `json:"is_new"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text.String())), &parsed); err != nil {
		return Decision{}, crserrors.ParseError("dedup oracle response", "json", err)
	}
	return Decision{ClusterID: parsed.ClusterID, IsNew: parsed.IsNew}, nil
}

func buildPrompt(newProfile Profile, existing []Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New crash profile:\nharness=%s sanitizer=%s bug_type=%s trigger_point=%s\nsummary=%s\n\n",
		newProfile.HarnessName, newProfile.Sanitizer, newProfile.SanitizerBugType, newProfile.TriggerPoint, newProfile.Summary)
	b.WriteString("Existing clustered profiles for this task:\n")
	for _, p := range existing {
		fmt.Fprintf(&b, "- id=%d harness=%s sanitizer=%s bug_type=%s trigger_point=%s summary=%s\n",
			p.ID, p.HarnessName, p.Sanitizer, p.SanitizerBugType, p.TriggerPoint, p.Summary)
	}
	b.WriteString("\nDoes the new profile represent the same underlying defect as one of the existing profiles? " +
		"Respond with exactly one JSON object: {\"is_new\": bool, \"cluster_id\": int} " +
		"(cluster_id refers to the id of the matching existing profile's cluster when is_new is false).")
	return b.String()
}
