/*
Package models defines the records persisted by the egress pool and the
descriptors exchanged between its components.

Persisted tables:

	ip_resources          IPResource, one leasable IP or proxy endpoint
	resource_assignments  Assignment, one row per (resource, consumer) lease
	resource_failures     FailureRecord, append-only failure history
	provider_configs      ProviderConfig, provider credentials, options and fetch stats
	usage_metrics         UsageMetricRecord, append-only request outcomes

Resource lifecycle:

	available --claim--> in_use --last release / rotate--> cooldown
	cooldown --cooldown elapsed (sweep)--> available
	any --failure threshold--> flagged
	any --ban--> banned
	flagged, banned --reset--> available

A resource in_use with spare capacity keeps accepting claims until
CurrentUserCount reaches MaxConcurrentUsers. CurrentUserCount always equals
the number of Assignment rows for the resource.

ProviderConfig.Options holds provider specific settings. Recognized keys are
listed as the Opt* constants: zone, port, max_users_per_ip, scheme, the
custom adapter request parameters and field paths (item_path, ip_field,
port_field, country_field, region_field, type_field), and the rotating
gateway session settings (package_id, package_key, session_length,
checker_url).

Candidate is what a provider adapter returns. It becomes an IPResource
once registered, keyed by Address so the same IP is never pooled twice.
*/
package models
