// Package matcher implements the pairing policy between pending jobs and
// idle hosts. It is pure: callers pass snapshots and apply the returned
// pairings themselves, so the policy can be tested without a store or clock.
package matcher

import "github.com/me/gpubroker/pkg/model"

// Pair is one proposed assignment of a job to a host.
type Pair struct {
	Job  *model.Job
	Host *model.Host
}

// Match walks pending jobs oldest-first and picks, for each job, the
// cheapest host that satisfies every filter. Price ties go to the host
// that has been idle longest, then to the lower host id for determinism.
// A host chosen for one job is removed from the candidate set for the
// rest of the cycle, so no two pairings share a host. Jobs with no
// eligible host are simply skipped; they stay pending.
//
// pending must be sorted by submission time ascending and idle hosts may
// arrive in any order.
func Match(pending []*model.Job, idle []*model.Host) []Pair {
	available := make([]*model.Host, len(idle))
	copy(available, idle)

	var pairs []Pair
	for _, job := range pending {
		best := -1
		for i, h := range available {
			if h == nil || !job.MatchesHost(h) {
				continue
			}
			if best == -1 || better(h, available[best]) {
				best = i
			}
		}
		if best == -1 {
			continue
		}
		pairs = append(pairs, Pair{Job: job, Host: available[best]})
		available[best] = nil
	}
	return pairs
}

// better reports whether a should be preferred over b.
func better(a, b *model.Host) bool {
	if a.PricePerHour != b.PricePerHour {
		return a.PricePerHour < b.PricePerHour
	}
	if !a.IdleSince.Equal(b.IdleSince) {
		return a.IdleSince.Before(b.IdleSince)
	}
	return a.ID < b.ID
}
