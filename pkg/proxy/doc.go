/*
Package proxy adapts upstream proxy providers to a single candidate fetch
interface used by the replenishment controller.

Each adapter turns a generic Filter (country, resource type) and a count into
the provider's own API call and normalizes the response into
models.Candidate values. Entries that fail validation (unparseable IP,
port out of range) are skipped rather than failing the whole fetch.

Supported Providers:

 1. Bright Data (also registered as "luminati"):
    - Lists zone IPs from the route_ips API
    - Requires: APIKey, Username, Options["zone"]

 2. Oxylabs:
    - POSTs a JSON proxy request, reads "proxies"
    - Requires: APIKey

 3. Smartproxy:
    - Reads the endpoint list and filters by country and type locally
    - Requires: APIKey

 4. SOAX and ProxyRack:
    - Rotating gateways. Each candidate is a sticky session; the exit IP
    is learned by fetching Options["checker_url"] through the session
    - SOAX requires Options["package_id"] and Options["package_key"]
    - ProxyRack requires Username and APIKey
    - Both require Endpoint (gateway host:port)

 5. Static:
    - Options["addresses"] holds IPs or proxy URLs, with optional
    Options["country"] and Options["type"]

 6. Custom:
    - Any JSON API. Query parameter names and response field paths are
    configured through options (item_path, ip_field, port_field, ...)

Usage Example:

	set := proxy.NewSet(logger, 30*time.Second)
	candidates, err := set.Fetch(ctx, cfg, proxy.Filter{Country: "US"}, 10)
	var perr *proxy.ProviderError
	if errors.As(err, &perr) {
		logger.Warn("provider failed", "provider", perr.Provider, "error", perr.Err)
	}

Set caches one adapter per provider type and is safe for concurrent use.
*/
package proxy
