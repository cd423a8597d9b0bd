/*
Package scheduler runs the claim loop that turns due schedules into
dispatched runs.

The loop is single-threaded and cooperative: one tick at a time, claimed
schedules processed sequentially, the dispatcher invoked inline. Multiple
scheduler processes may run against the same store; the row-locked claim
with TTL guarantees a schedule is never dispatched twice concurrently, and a
crashed claimant's rows become claimable again when the TTL expires.

Per tick: claim a batch of due schedules, check the per-schedule concurrency
caps (deferring with a backoff when a cap is hit), resolve or create the run,
skip cancelled and unapproved runs, dispatch, record the terminal status, and
write the recurrence (interval, cron in the schedule's timezone, or the
far-future sentinel for one-shots). The claim is always released; errors land
on the scheduled run row rather than escaping the tick.
*/
package scheduler
