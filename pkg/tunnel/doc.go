/*
Package tunnel forwards Docker API traffic to remote worker hosts over SSH.

A remote_tcp host whose daemon is not directly reachable declares SSH
forwarding parameters. The Manager opens one SSH connection per host, binds a
localhost listener from the configured port range, and relays each accepted
connection to the daemon address on the far side. Consumers dial the local
endpoint exactly as they would a plain tcp:// Docker host.

Tunnels are lazy: they are established on first use and removed when the SSH
connection drops, so a subsequent Open re-establishes them. Key-file
authentication only; credentials never leave this package.
*/
package tunnel
