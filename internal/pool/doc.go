// Package pool implements the server pool registry that owns a continuum:
// it tracks per-server failures, ejects servers that keep failing when
// auto-eject is enabled, rebuilds the ring on every liveness change and
// routes request keys to their owning server.
package pool
