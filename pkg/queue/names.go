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

package queue

// Queue names from spec §4.2's table. Stage workers import these rather
// than hardcoding literals so a rename only touches this file.
const (
	CorpusQueue    = "corpus_queue"
	CminQueue      = "cmin_queue"
	SeedgenQueue   = "seedgen_queue"
	SliceQueue     = "slice_queue"
	SliceQueueR18  = "slice_queue_R18"
	TriageQueue    = "triage_queue"
	DedupQueue     = "dedup_queue"
	PatchQueue     = "patch_queue"
	DirectedQueue  = "directed_queue"
	BundleQueue    = "bundle_queue"
	SubmitQueue    = "submit_queue"
	ConfirmQueue   = "confirm_queue"
	TimeoutQueue   = "timeout_queue"
)

// PriorityMax values for queues declared with priority (spec §4.2:
// "values 0..priority_max, typically 10"). Queues not listed here are
// declared with no priority ceiling.
const (
	TriageQueuePriorityMax = 10
	PatchQueuePriorityMax  = 10
)

// DefaultRetryLimit bounds x-retry before a message is dropped (spec §8
// invariant 12). Individual stages may override via configuration.
const DefaultRetryLimit = 5
