/*
Package launcher turns launch requests into pending work.

A launch validates its inputs, snapshots the cited directive by value, and
creates the Run, one Job per task, one due one-shot Schedule per task, and
the ScheduledRun bindings in a single store transaction. Nothing executes
here; the claim loop finds the due schedules on its next tick.

One-shot schedules are interval schedules with interval_minutes zero. After
their single dispatch the scheduler parks them at a far-future next_run_at.
*/
package launcher
