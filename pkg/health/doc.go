/*
Package health probes pooled resources and turns their rolling success rate
into state transitions.

Probing:

	ProbeResource sends a request to each configured probe target through
	the resource's proxy URL and records one usage record per request.
	For socks5 and ss resources an outline-sdk DNS test can be added
	(health.dns_probe). A failed probe counts towards the resource's
	failure threshold with kind "probe_failure".

	ProbeAll does the same for every resource that is not banned, with at
	most health.max_workers probes in flight.

Policy:

	ApplyHealthPolicy aggregates the usage of the last health.window and,
	for resources with at least health.min_requests samples:

	  rate < critical_cutoff              -> banned
	  rate < low_cutoff                   -> flagged
	  rate < threshold and status in_use  -> rotated
	  otherwise                           -> untouched

	Resources already in the target state are skipped.

Reporting:

	AggregateHealth and ProviderHealth return per-resource and per-provider
	statistics for a window; Prune deletes usage older than the retention.
*/
package health
