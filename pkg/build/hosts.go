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

package build

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/crs-fabric/pkg/coordination"
	"github.com/jordigilh/crs-fabric/pkg/shared/logging"
)

// HostPool resolves the `dind:hosts` CS set into scored Docker-over-TCP
// endpoints and picks the least-loaded one, falling back to the local
// daemon when the set is empty or every remote host is unreachable.
type HostPool struct {
	cs     *coordination.Store
	logger *zap.Logger
	// sampleWindow is the delay between the 3 stats samples SampleHostLoad
	// averages, smoothing out a single noisy snapshot.
	sampleWindow time.Duration
}

func NewHostPool(cs *coordination.Store, logger *zap.Logger) *HostPool {
	return &HostPool{cs: cs, logger: logger, sampleWindow: 500 * time.Millisecond}
}

// Hosts returns the configured remote Docker hosts from CS, unordered.
func (p *HostPool) Hosts(ctx context.Context) ([]string, error) {
	return p.cs.SMembers(ctx, coordination.DindHostsKey)
}

// SampleHostLoad measures a host's container CPU utilization by averaging
// 3 one-shot stats samples spaced sampleWindow apart — a single sample can
// catch a momentary spike from an unrelated container finishing a burst,
// so the fleet scheduler averages rather than picking on one reading.
func (p *HostPool) SampleHostLoad(ctx context.Context, host string) (float64, error) {
	docker, err := NewClient(host)
	if err != nil {
		return 0, err
	}
	defer docker.Close()

	if err := docker.Ping(ctx); err != nil {
		return 0, err
	}

	containers, err := docker.ListContainers(ctx, nil)
	if err != nil {
		return 0, err
	}
	if len(containers) == 0 {
		return 0, nil
	}

	const samples = 3
	var total float64
	for i := 0; i < samples; i++ {
		var sampleTotal float64
		for _, ctr := range containers {
			pct, err := docker.CPUPercent(ctx, ctr.ID)
			if err != nil {
				continue
			}
			sampleTotal += pct
		}
		total += sampleTotal
		if i < samples-1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(p.sampleWindow):
			}
		}
	}
	return total / samples, nil
}

// SelectHost scores every configured remote host and returns the one with
// the lowest averaged CPU load. The local daemon (the empty string) is not
// sampled; it is returned only when no remote host is configured or every
// remote host is unreachable. Unreachable hosts are skipped. No load
// threshold is applied.
func (p *HostPool) SelectHost(ctx context.Context) (string, error) {
	hosts, err := p.Hosts(ctx)
	if err != nil {
		return "", err
	}

	bestHost := ""
	bestLoad := -1.0
	for _, host := range hosts {
		load, err := p.SampleHostLoad(ctx, host)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("docker host unreachable during fleet selection",
					logging.NewFields().Component("build").Resource("host", host).Error(err).ToZap()...)
			}
			continue
		}
		if bestLoad < 0 || load < bestLoad {
			bestHost = host
			bestLoad = load
		}
	}
	// bestHost == "" here covers both "no remote hosts configured" and
	// "every remote host was unreachable" — both fall back to local.
	return bestHost, nil
}
