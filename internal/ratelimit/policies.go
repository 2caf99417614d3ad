package ratelimit

import "time"

// Endpoint names used as policy keys.
const (
	EndpointTransition = "transition"
	EndpointLocations  = "locations"
	EndpointIncidents  = "incidents"
	EndpointRelease    = "release"
	EndpointWithdraw   = "withdraw"
	EndpointAccept     = "accept"
	EndpointProposals  = "proposals"
	EndpointCheckins   = "checkins"
	EndpointJobs       = "jobs"
)

// DefaultPolicies returns the production policy table. blockAfter and
// escalation override the progressive-blocking settings of every entry.
func DefaultPolicies(blockAfter int, escalation []time.Duration) (map[string]Policy, Policy) {
	sensitive := Policy{PerMinute: 10, PerHour: 60, Burst: 3, BurstWindow: 10 * time.Second}
	ps := map[string]Policy{
		EndpointTransition: {PerMinute: 30, PerHour: 300, Burst: 5, BurstWindow: 5 * time.Second},
		EndpointLocations:  {PerMinute: 120, PerHour: 3000, Burst: 10, BurstWindow: 5 * time.Second},
		EndpointIncidents:  {PerMinute: 20, PerHour: 200, Burst: 5, BurstWindow: 10 * time.Second},
		EndpointCheckins:   {PerMinute: 30, PerHour: 300, Burst: 5, BurstWindow: 10 * time.Second},
		EndpointRelease:    sensitive,
		EndpointWithdraw:   sensitive,
		EndpointAccept:     sensitive,
		EndpointProposals:  sensitive,
		EndpointJobs:       sensitive,
	}
	for k, p := range ps {
		p.BlockAfter = blockAfter
		p.Escalation = escalation
		ps[k] = p
	}
	fallback := Policy{PerMinute: 60, PerHour: 600, Burst: 10, BurstWindow: 5 * time.Second, BlockAfter: blockAfter, Escalation: escalation}
	return ps, fallback
}
