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

// Package dedup implements the Dedup oracle client (spec §4.6 Step 3c): a
// narrow interface the Triage Engine calls to decide whether a new bug
// profile represents a previously-seen defect, backed by an LLM-driven
// comparison of trigger points, stack summaries, and bug types.
package dedup

import "context"

// Profile is the subset of a BugProfile the oracle reasons over.
type Profile struct {
	ID               int64
	TaskID           string
	HarnessName      string
	Sanitizer        string
	SanitizerBugType string
	TriggerPoint     string
	Summary          string
}

// Decision is the oracle's cluster-membership verdict. When IsNew is
// true, ClusterID is meaningless and the caller mints a new cluster.
type Decision struct {
	ClusterID int64
	IsNew     bool
}

// Oracle decides cluster membership for newProfile against every already
// clustered profile for the same task. The Triage Engine must not depend
// on the oracle's internals and must tolerate IsNew=true at any time
// (spec §4.6 Step 3c).
type Oracle interface {
	Decide(ctx context.Context, newProfile Profile, existing []Profile) (Decision, error)
}
