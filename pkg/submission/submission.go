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

// Package submission implements the Submission Loop (spec §4.8 SL): a
// four-step async pipeline — fetch_data materializes eligible POVs,
// patches, and SARIF assessments into the Coordination Store and enqueues
// them on a work set; submit pops the work set and calls the scoring
// API's create endpoint, routing accepted/inconclusive work onto a
// confirm set; confirm polls the scoring API until a terminal status is
// reached, recording it to the relational store and, on a pass, marking
// the profile's bundle slot; bundle pairs a passing POV with a passing
// patch for the same profile and submits the combined bundle.
package submission

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
	"github.com/jordigilh/crs-fabric/pkg/submission/scoring"
)

const (
	workSetKey     = "submitter:workset"
	confirmSetKey  = "submitter:confirmset"
	confirmMetaKey = "submitter:confirmmeta"
	bundleWorkKey  = "submitter:bundle:work"
)

// WorkItem is one submission candidate: a POV, a patch, or a SARIF
// assessment, materialized as a JSON body ready to POST.
type WorkItem struct {
	Kind      scoring.Kind
	TaskID    string
	ItemID    int64
	ProfileID int64
	Body      []byte
}

func (w WorkItem) payloadKey() string {
	return coordination.SubmitterPayloadKey(string(w.Kind), w.TaskID, w.ItemID, w.ProfileID)
}

// Notifier reports a submission's terminal failure to a human channel.
// Optional: a Processor with a nil Notifier simply skips notification.
type Notifier interface {
	NotifyFailure(ctx context.Context, item WorkItem, status scoring.Status) error
}

// Store is the Submission Loop's relational-store surface: discovering
// new candidates and recording the terminal outcome of each submission.
type Store interface {
	PendingPOVs(ctx context.Context) ([]WorkItem, error)
	PendingPatches(ctx context.Context) ([]WorkItem, error)
	PendingSarif(ctx context.Context) ([]WorkItem, error)
	RecordTerminal(ctx context.Context, item WorkItem, status scoring.Status, functionalityPassing *bool) error
}

// Processor drives the fetch_data/submit/confirm/bundle steps.
type Processor struct {
	CS       *coordination.Store
	Client   *scoring.Client
	Store    Store
	Notifier Notifier
	Logger   *zap.Logger
}

// FetchData discovers newly-eligible POVs, patches, and SARIF
// assessments, materializes each as a payload key in the Coordination
// Store, and adds it to the work set.
func (p *Processor) FetchData(ctx context.Context) error {
	povs, err := p.Store.PendingPOVs(ctx)
	if err != nil {
		return err
	}
	patches, err := p.Store.PendingPatches(ctx)
	if err != nil {
		return err
	}
	sarifs, err := p.Store.PendingSarif(ctx)
	if err != nil {
		return err
	}

	all := make([]WorkItem, 0, len(povs)+len(patches)+len(sarifs))
	all = append(all, povs...)
	all = append(all, patches...)
	all = append(all, sarifs...)

	for _, item := range all {
		if err := p.CS.Set(ctx, item.payloadKey(), string(item.Body), 0); err != nil {
			return err
		}
		if err := p.CS.SAdd(ctx, workSetKey, item.payloadKey()); err != nil {
			return err
		}
	}
	if p.Logger != nil && len(all) > 0 {
		p.Logger.Info("materialized submission candidates",
			logging.NewFields().Component("submission").Count(len(all)).ToZap()...)
	}
	return nil
}

// Submit pops every key currently in the work set, calls the scoring
// API's create endpoint, and routes each to the confirm set (on
// accepted/inconclusive) or directly to a terminal record otherwise.
func (p *Processor) Submit(ctx context.Context) error {
	keys, err := p.CS.SMembers(ctx, workSetKey)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.submitOne(ctx, key); err != nil {
			p.logError("submit", key, err)
		}
	}
	return nil
}

func (p *Processor) submitOne(ctx context.Context, key string) error {
	item, err := p.decodeKey(ctx, key)
	if err != nil {
		return err
	}

	resp, err := p.Client.Create(ctx, item.Kind, item.TaskID, item.Body)
	if err != nil {
		return err
	}

	switch resp.Status {
	case scoring.StatusAccepted, scoring.StatusInconclusive:
		if err := p.CS.HSet(ctx, confirmMetaKey, key, resp.SubmissionID); err != nil {
			return err
		}
		if err := p.CS.SAdd(ctx, confirmSetKey, key); err != nil {
			return err
		}
		return p.CS.SRem(ctx, workSetKey, key)
	default:
		if err := p.Store.RecordTerminal(ctx, item, resp.Status, nil); err != nil {
			return err
		}
		return p.CS.SRem(ctx, workSetKey, key)
	}
}

// Confirm polls the scoring API for every key in the confirm set. A
// terminal status is recorded and, on a pass, marks the profile's bundle
// slot and queues a bundle attempt. An errored status (server-side
// transient failure, distinct from a functional `failed`) is moved back
// to the work set for re-submission rather than treated as terminal.
func (p *Processor) Confirm(ctx context.Context) error {
	keys, err := p.CS.SMembers(ctx, confirmSetKey)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.confirmOne(ctx, key); err != nil {
			p.logError("confirm", key, err)
		}
	}
	return nil
}

func (p *Processor) confirmOne(ctx context.Context, key string) error {
	item, err := p.decodeKey(ctx, key)
	if err != nil {
		return err
	}
	submissionID, err := p.CS.HGet(ctx, confirmMetaKey, key)
	if err != nil {
		return err
	}

	resp, err := p.Client.Confirm(ctx, item.Kind, item.TaskID, submissionID)
	if err != nil {
		return err
	}

	if resp.Status == scoring.StatusErrored {
		if err := p.CS.SAdd(ctx, workSetKey, key); err != nil {
			return err
		}
		return p.CS.SRem(ctx, confirmSetKey, key)
	}

	if !resp.Status.IsTerminal() {
		return nil
	}

	if err := p.Store.RecordTerminal(ctx, item, resp.Status, resp.FunctionalityTestsPassing); err != nil {
		return err
	}
	if err := p.CS.SRem(ctx, confirmSetKey, key); err != nil {
		return err
	}

	passed := resp.Status == scoring.StatusPassed
	if item.Kind == scoring.KindPatch {
		passed = passed && resp.FunctionalityTestsPassing != nil && *resp.FunctionalityTestsPassing
	}
	if !passed || item.Kind == scoring.KindSarif {
		if !passed && p.Notifier != nil {
			if err := p.Notifier.NotifyFailure(ctx, item, resp.Status); err != nil {
				p.logError("notify", key, err)
			}
		}
		return nil
	}

	bundleKind := "bug_profile"
	if item.Kind == scoring.KindPatch {
		bundleKind = "patch"
	}
	if err := p.CS.Set(ctx, coordination.SubmitterBundleKey(bundleKind, item.ProfileID), submissionID, 0); err != nil {
		return err
	}
	return p.CS.SAdd(ctx, bundleWorkKey, fmt.Sprintf("%s:%d", item.TaskID, item.ProfileID))
}

// Bundle pairs a passing POV with a passing patch for the same profile
// and submits the combined bundle; pairs still missing one side are left
// in the bundle-work set for a later pass.
func (p *Processor) Bundle(ctx context.Context) error {
	pairs, err := p.CS.SMembers(ctx, bundleWorkKey)
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		taskID, profileID, ok := splitBundlePair(pair)
		if !ok {
			continue
		}
		if err := p.bundleOne(ctx, pair, taskID, profileID); err != nil {
			p.logError("bundle", pair, err)
		}
	}
	return nil
}

func (p *Processor) bundleOne(ctx context.Context, pair, taskID string, profileID int64) error {
	povID, err := p.CS.Get(ctx, coordination.SubmitterBundleKey("bug_profile", profileID))
	if err != nil {
		return err
	}
	patchID, err := p.CS.Get(ctx, coordination.SubmitterBundleKey("patch", profileID))
	if err != nil {
		return err
	}
	if povID == "" || patchID == "" {
		return nil
	}

	body, err := json.Marshal(struct {
		POVSubmissionID   string `json:"pov_id"`
		PatchSubmissionID string `json:"patch_id"`
	}{POVSubmissionID: povID, PatchSubmissionID: patchID})
	if err != nil {
		return err
	}
	if _, err := p.Client.Create(ctx, "bundle", taskID, body); err != nil {
		return err
	}
	return p.CS.SRem(ctx, bundleWorkKey, pair)
}

func (p *Processor) decodeKey(ctx context.Context, key string) (WorkItem, error) {
	kind, taskID, itemID, profileID, err := parsePayloadKey(key)
	if err != nil {
		return WorkItem{}, err
	}
	body, err := p.CS.Get(ctx, key)
	if err != nil {
		return WorkItem{}, err
	}
	if body == "" {
		return WorkItem{}, crserrors.Wrap(crserrors.KindPoisonMessage, "decode submission key", fmt.Errorf("payload missing for key %q", key))
	}
	return WorkItem{Kind: kind, TaskID: taskID, ItemID: itemID, ProfileID: profileID, Body: []byte(body)}, nil
}

// parsePayloadKey reverses coordination.SubmitterPayloadKey's
// "submitter:<kind>:<tid>:<id>:<profile>" format.
func parsePayloadKey(key string) (scoring.Kind, string, int64, int64, error) {
	parts := splitPayloadKey(key)
	if len(parts) != 5 {
		return "", "", 0, 0, crserrors.ParseError("submission payload key", "colon-delimited", fmt.Errorf("expected 5 segments in %q, got %d", key, len(parts)))
	}
	var itemID, profileID int64
	if _, err := fmt.Sscanf(parts[3], "%d", &itemID); err != nil {
		return "", "", 0, 0, err
	}
	if _, err := fmt.Sscanf(parts[4], "%d", &profileID); err != nil {
		return "", "", 0, 0, err
	}
	return scoring.Kind(parts[1]), parts[2], itemID, profileID, nil
}

// splitBundlePair reverses "<taskID>:<profileID>", splitting on the last
// colon since taskID itself never contains one.
func splitBundlePair(pair string) (string, int64, bool) {
	idx := -1
	for i := len(pair) - 1; i >= 0; i-- {
		if pair[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", 0, false
	}
	var profileID int64
	if _, err := fmt.Sscanf(pair[idx+1:], "%d", &profileID); err != nil {
		return "", 0, false
	}
	return pair[:idx], profileID, true
}

func splitPayloadKey(key string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	return parts
}

func (p *Processor) logError(step, key string, err error) {
	if p.Logger == nil {
		return
	}
	p.Logger.Error(fmt.Sprintf("submission %s failed", step),
		logging.NewFields().Component("submission").Resource("submission_key", key).Error(err).ToZap()...)
}
