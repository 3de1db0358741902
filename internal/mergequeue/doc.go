// Package mergequeue maintains per-branch merge queues of github pull
// requests and acts on them.
//
// Inbound webhook events are mapped to the base branch they affect. For that
// branch the queue is rebuilt from the current github state: every open pull
// request is evaluated into a candidate record with its review approvals, the
// state of the designated CI status context, whether its base commit matches
// the branch tip and a scalar weight derived from those fields. Candidates
// are ordered by descending weight and the snapshot is persisted in redis.
//
// After a rebuild the reconciler inspects the top candidate and executes at
// most one action: merge it, request a base branch update for it, or wait.
// Ineligible candidates (missing approvals, failed CI, conflicts) are never
// acted on. Github state is the single source of truth, the stored queue is
// a cache that can be discarded and rebuilt at any time.
package mergequeue
