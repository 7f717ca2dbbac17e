// Package workspace owns the per-run durable state on the local filesystem.
//
// Every spec run keeps its state under
// <project>/.agentd/<spec_slug>-<spec_hash>/: the workspace config, the
// milestone and issue state, the checkpoint log, a verbatim copy of the input
// spec, and per-session logs. All JSON writes are atomic (temp + fsync +
// rename) so concurrent readers never observe a half-written file.
package workspace
