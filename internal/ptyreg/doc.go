// Package ptyreg hosts PTY-backed shell processes and their replay logs.
//
// It wraps github.com/creack/pty to start interactive shells with a
// pseudo-terminal, and keys every process by (workingDirectory, ptyID) so
// that clients resume the process they think they are resuming. Each PTY
// owns a [replay.Log]: a background goroutine relays PTY output into the log
// for the lifetime of the process, independent of any WebSocket connection.
//
// # Core components
//
//   - [PTY]: one hosted process — command, pty file, replay log, metadata.
//   - [Registry]: multi-PTY manager with create / get / list / update /
//     remove, single-attachment bookkeeping, and idle cleanup.
//   - [Recording]: optional timestamped I/O capture (asciinema v2 inspired).
//
// # Lifecycle
//
//  1. Created via [Registry.Create]. The output relay starts immediately;
//     output produced before any client attaches is still buffered.
//
//  2. A WebSocket attaches via [PTY.TryAttach]. At most one consumer holds
//     the attachment at a time; a second concurrent attach is refused so two
//     physical connections never double-consume the live stream.
//
//  3. The WebSocket drops; [PTY.Detach] releases the attachment. The process
//     and its replay log stay alive, so a later reconnect can resume from
//     its cursor.
//
//  4. The process exits or [Registry.Remove] is called. The replay log is
//     closed and the PTY becomes eligible for [Registry.CleanupIdle].
//
// # Security
//
//   - Shell whitelist: only shells in [AllowedShells] may be started.
//   - Input size: [MaxInputMessageSize] caps a single input message.
//   - Dimensions: resizes are clamped to [MaxTermCols] x [MaxTermRows].
//   - Rate limiting: [RateLimiter] throttles per-connection message rates.
//
// Registry operations log at the [ptyreg] prefix.
package ptyreg
