// Package logfile provides the persistence primitives every durable artifact
// is built on: atomic whole-file replacement for the checkpoint, and
// append-only JSON Lines logs with buffered writers and tolerant replay.
//
// Durability model:
//   - AtomicWrite never exposes a half-written destination to readers
//     (temp file in the same directory, fsync, rename)
//   - Appender buffers encoded lines in memory; only Flush touches the
//     filesystem. Entries appended but not flushed are lost on a hard crash.
//   - Replay streams a log and skips lines that fail to decode, so a torn
//     final line from a crash never aborts a load
package logfile
