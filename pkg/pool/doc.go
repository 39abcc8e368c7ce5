/*
Package pool owns the lifecycle of leasable egress resources.

A Manager is constructed once with a live registry handle and shared by
every component that needs it: the HTTP API, the replenishment controller,
the health monitor and the scheduler.

Leases:

	res, err := mgr.Claim(ctx, "worker-7", pool.ClaimRequest{Country: "DE"})
	...
	err = mgr.Release(ctx, "worker-7", res.ID)

Claim is idempotent per consumer. Every state change is a single guarded
update in the registry, so two consumers racing for the last free seat of a
resource cannot both win. The loser gets ErrNoResourceAvailable (auto
selection) or ErrResourceUnavailable (preferred resource) and decides for
itself whether to retry. The manager never retries internally.

Releasing the last consumer, or rotating, puts a resource into cooldown.
SweepCooldown returns it to available once Options.Cooldown has elapsed. It
runs inside Rotate and auto-selecting claims, and can be scheduled on its
own.

Failures:

ReportFailure and failed RecordUsage outcomes count towards
Options.FailureThreshold. Crossing it flags the resource and drops its
leases. Flagged and banned resources only come back through
ResetFailures. A resource banned Options.MaxBanCount times is deleted.

Errors:

	ErrNoResourceAvailable  nothing matches the filters
	ErrResourceUnavailable  the named resource is not claimable now
	ErrNotAssigned          release of a lease the consumer does not hold
	ErrNotFound             unknown resource or provider
	ErrInvalidTransition    administrative status change that is not allowed
	ErrPoolUnavailable      the registry failed; wraps the underlying error
*/
package pool
