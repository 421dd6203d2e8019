// Package session tracks which tenants are currently live.
//
// A tenant is one running game client. Clients call Heartbeat periodically;
// a session that misses heartbeats for longer than the timeout no longer
// counts toward the active total. There is no background sweeper: expired
// sessions are evicted whenever ActiveCount or Sessions is read.
//
// Two implementations are provided:
//
//   - MemoryRegistry: per-process, for a single dispatcher
//   - RedisRegistry: shared by every dispatcher pointed at the same Redis,
//     so fair-share cooldowns account for tenants served by other instances
//
// Example:
//
//	reg, _ := session.NewMemoryRegistry(session.Config{Timeout: 30 * time.Second})
//	reg.Register("agent-1")
//	reg.Heartbeat("agent-1")
//	n := reg.ActiveCount()
package session
