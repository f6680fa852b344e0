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

package triage

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/jordigilh/crs-fabric/pkg/store/model"
)

// PentupleHash produces the stable short id spec §4.6 step 3a interns as
// the CS key triage:<tid>:<hash>. xxhash is already part of the module's
// dependency graph (pulled in transitively by go-redis); using it directly
// here avoids reaching for the standard library's cryptographic hashes for
// a non-adversarial identity key.
func PentupleHash(p model.Pentuple) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s", p.TaskID, p.HarnessName, p.Sanitizer, p.SanitizerBugType, p.TriggerPoint)
	return fmt.Sprintf("%016x", h.Sum64())
}
