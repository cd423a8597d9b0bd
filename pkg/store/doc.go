/*
Package store provides the durable state layer for Drydock.

Store is the single interface every component shares. Two implementations
exist: Postgres (sqlx + squirrel + lib/pq) for production, and Mem for tests
and single-process experiments.

The one specialized primitive is the row-locked claim over due schedules.
On Postgres it uses SELECT ... FOR UPDATE SKIP LOCKED inside a transaction,
so concurrent scheduler processes never observe the same row; the in-memory
implementation serializes claims under a mutex, which provides the same
guarantee within a process.

Guarded mutations (status transitions, counter bumps, host deletes) return
ErrPrecondition when their precondition does not hold, and ErrNotFound when
the target row is missing. Terminal status transitions are one-way.
*/
package store
