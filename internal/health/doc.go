// Package health runs the background loops around a server pool: periodic
// probes that feed failures and successes into the pool, and a scheduler
// that rebuilds the continuum when an ejected server becomes eligible again.
package health
