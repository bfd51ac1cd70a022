// Package hashkit provides the 32-bit hash functions used by the proxy:
// incremental hashes for placing ring points and a named set of key hashes
// selectable per server pool.
package hashkit
