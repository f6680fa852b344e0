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

package submission

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/jordigilh/crs-fabric/pkg/submission/scoring"
)

// SlackNotifier posts a message to a fixed channel whenever a submission
// reaches a non-passing terminal status, so an operator can decide
// whether a repeated failure warrants attention.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a SlackNotifier posting to channel using token.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel}
}

// NotifyFailure posts a short summary of the failed submission.
func (n *SlackNotifier) NotifyFailure(ctx context.Context, item WorkItem, status scoring.Status) error {
	text := fmt.Sprintf("submission failed: kind=%s task=%s item=%d profile=%d status=%s",
		item.Kind, item.TaskID, item.ItemID, item.ProfileID, status)
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	return err
}
