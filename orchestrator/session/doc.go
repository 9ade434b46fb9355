/*
Package session manages interactive claude CLI child processes, one per session.

Each session owns a long-lived child process with piped stdin/stdout/stderr and
a working directory. The Controller spawns and tears down processes and keeps
their lifecycle state in a Registry. The Channel sends one input line at a time
to a session's stdin and assembles the textual reply from the unframed stdout
stream.

The child process has no framing protocol, so reply completion is heuristic: a
send completes when a known prompt sentinel appears in fresh output, when
enough output has accumulated and the stream goes quiet, or when a hard timeout
elapses. The sentinel set and the timing thresholds are tuned for the claude
CLI and are configurable; they should be retuned before pointing this at a
different interactive program.

Exactly one send is in flight per session at a time. Concurrent sends for the
same session are serialized in submission order so one command's output is
never attributed to another's reply. Sends for different sessions do not block
each other.
*/
package session
