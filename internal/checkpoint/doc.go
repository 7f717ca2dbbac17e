// Package checkpoint implements the decision-gate protocol between agents
// and humans.
//
// A checkpoint is a durable, typed record of a pending or resolved decision.
// It is the only way an agent can seek human judgment, and it is a hard
// synchronization barrier: the session that created a pending checkpoint
// exits, and no session proceeds past the gate until a client resolves it.
//
// The checkpoint log lives in the workspace and is the single source of
// truth for gate state. Within a scope ("global" or an issue iid) at most
// one checkpoint may be pending and un-completed at a time, status moves
// only forward (pending to approved/modified/rejected, then completed), and
// completion is set only after the agent has acted on the verdict.
package checkpoint
