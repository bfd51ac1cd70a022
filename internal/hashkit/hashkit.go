package hashkit

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/fasthash/fnv1"
	"github.com/segmentio/fasthash/fnv1a"
	"github.com/segmentio/fasthash/jody"
)

// ErrUnknownHash is returned by Lookup for a name that is not registered.
var ErrUnknownHash = errors.New("hashkit: unknown hash")

// Func hashes a request key into the 32-bit ring space.
type Func func(key []byte) uint32

var funcs = map[string]Func{
	"crc32":         CRC32,
	"crc32a":        CRC32a.Sum,
	"fnv1_32":       FNV132,
	"fnv1a_32":      FNV1a32.Sum,
	"fnv1_64":       FNV164,
	"fnv1a_64":      FNV1a64,
	"md5":           MD5,
	"one_at_a_time": OneAtATime,
	"xxhash":        XXHash,
	"jody":          Jody,
}

// Lookup returns the key hash registered under name.
func Lookup(name string) (Func, error) {
	fn, ok := funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHash, name)
	}
	return fn, nil
}

// Names returns the registered hash names in sorted order.
func Names() []string {
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CRC32 is the memcached-compatible crc32: bits 16..30 of the IEEE CRC-32.
func CRC32(key []byte) uint32 {
	return (crc32.ChecksumIEEE(key) >> 16) & 0x7fff
}

// FNV132 is the 32-bit FNV-1 hash.
func FNV132(key []byte) uint32 {
	return fnv1.HashString32(string(key))
}

// FNV164 folds the 64-bit FNV-1 hash to its low 32 bits.
func FNV164(key []byte) uint32 {
	return uint32(fnv1.HashString64(string(key)))
}

// FNV1a64 folds the 64-bit FNV-1a hash to its low 32 bits.
func FNV1a64(key []byte) uint32 {
	return uint32(fnv1a.HashString64(string(key)))
}

// MD5 takes the first four digest bytes little endian, as libketama does.
func MD5(key []byte) uint32 {
	sum := md5.Sum(key)
	return binary.LittleEndian.Uint32(sum[:4])
}

// OneAtATime is Bob Jenkins' one-at-a-time hash.
func OneAtATime(key []byte) uint32 {
	var h uint32
	for _, c := range key {
		h += uint32(c)
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}

// XXHash folds the 64-bit xxHash to its low 32 bits.
func XXHash(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}

// Jody folds the 64-bit Jody hash to its low 32 bits.
func Jody(key []byte) uint32 {
	return uint32(jody.HashString64(string(key)))
}
