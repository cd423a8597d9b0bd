/*
Package dispatcher turns a run's jobs into ephemeral worker containers.

A dispatch routes the run to a worker host, then executes each job in order:
resolve the image against the allowlist, place it on a GPU when the image
needs one (weighted idle-first scoring, lower wins), spawn a fixed-policy
container, wait for exit under the job's timeout, ingest artifact metadata
and the telemetry sidecar, and leave the job terminal. Every container
operation writes an audit row.

Workers never get the Docker socket, published ports, or user-supplied
mounts. They see the artifact root read-write at /logs, the optional upload
root read-only at /uploads, and their identity in the environment. Only
counters cross back from telemetry; prompt and response text have no place
to land.

A failed job fails the run's remaining jobs only when the directive snapshot
marks its kind as required. The rolled-up status and the generated report are
left for the scheduler to seal with the run's terminal transition.
*/
package dispatcher
