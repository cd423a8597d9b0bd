/*
Package types defines the core data structures used throughout Drydock.

It contains the record types for the orchestration domain model (directives,
runs, jobs, schedules, worker hosts, allowlists, artifacts, telemetry, audit)
and the string-typed enums describing their lifecycles. All other packages
depend on this one and it depends on nothing inside the module.

Two guardrails are enforced structurally here rather than by runtime checks:

  - LLMCall has no field capable of holding prompt or response text; only
    token counts, timings, and short identifiers.
  - WorkerHost.SSH carries `json:"-"`, so SSH credentials can never appear in
    an API response. Read surfaces expose a has_ssh_config boolean instead.

Columns that store structured values (capabilities, task config, tag lists)
implement driver.Valuer and sql.Scanner so the same structs move through both
the Postgres store and the HTTP layer.
*/
package types
