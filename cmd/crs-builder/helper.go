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

package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

// ossFuzzHelper invokes the OSS-Fuzz helper script (spec §6) as a
// subprocess. It is the one seam in this module that genuinely shells
// out to a real external build tool rather than going through Docker
// exec against a task's runner container, since the helper script
// predates and creates that container.
type ossFuzzHelper struct {
	// binPath overrides the "infra/helper.py" default, mainly for tests.
	binPath string
	// sharePath, when set, is passed as --share-oss-fuzz-path to reuse an
	// existing checkout instead of cloning a fresh one.
	sharePath string
}

func (h ossFuzzHelper) run(ctx context.Context, args ...string) error {
	bin := h.binPath
	if bin == "" {
		bin = "infra/helper.py"
	}
	if h.sharePath != "" {
		args = append(args, "--share-oss-fuzz-path", h.sharePath)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return crserrors.BuildError(args[len(args)-1], "", fmt.Errorf("%s %v: %w: %s", bin, args, err, out.String()))
	}
	return nil
}
