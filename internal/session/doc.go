// Package session drives one agent through the initializer, coding and MR
// phases.
//
// A session is one fresh subprocess execution. Step 0 of every session
// consults the checkpoint log: a pending checkpoint makes the session exit
// immediately without running the subprocess, a resolved one is acted upon
// (the kind's continuation) before the session body runs. The subprocess
// reports modified files, quality-check outcomes and checkpoint requests as
// structured events; the orchestrator refuses to create a terminal
// checkpoint until the required quality checks have passed.
package session
