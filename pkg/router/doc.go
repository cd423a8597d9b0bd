/*
Package router selects worker hosts for runs and tracks their reachability.

Selection filters to enabled, healthy, non-stale hosts with free capacity
(optionally requiring GPU capability), then ranks by lowest active run count,
most recent probe, and id. The winner's active_runs_count is bumped through
the store's guarded increment, so two concurrent selections can never
oversubscribe a host.

The health loop pings each host's Docker daemon on a fixed period. A
successful ping sets healthy and refreshes last_seen_at; a failure clears
healthy and leaves last_seen_at alone, so staleness keeps excluding hosts
whose probes flap. The Connector resolves hosts to Docker clients, routing
through the SSH tunnel manager when a host declares forwarding config.
*/
package router
