// Package lock provides distributed reentrant locks on top of a shared Redis
// store. Ownership is decided by atomic Lua scripts; contended callers block
// on a pub/sub release channel instead of polling, and a held lock is kept
// alive by a per-process lease renewal timer. If the holder dies, the lease
// runs out and the lock frees itself.
//
// Two record encodings share the same engine: Reentrant stores a JSON blob
// with the owner and hold count, WriteMode stores a hash compatible with a
// read-write lock scheme.
package lock
