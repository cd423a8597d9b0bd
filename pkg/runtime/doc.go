/*
Package runtime wraps the Docker Engine API for worker execution.

Client is a thin wrapper over one daemon endpoint: the local socket for
local_socket hosts, or a tcp:// address (possibly a local tunnel endpoint)
for remote_tcp hosts. It exposes exactly the operations the dispatcher and
the health prober need: ping, pull, create, start, wait, stop, remove, logs,
and a label-filtered list.

ContainerSpec deliberately has no port mappings and no way to mount the
daemon socket. GPU attachment goes through a single device request naming
one device index; CPU-only workers pass NoGPU.
*/
package runtime
