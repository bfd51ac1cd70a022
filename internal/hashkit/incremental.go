package hashkit

import (
	"hash/crc32"

	"github.com/segmentio/fasthash/fnv1a"
)

// Incremental is a 32-bit hash that can be extended with more bytes.
// Implementations must satisfy Add(Sum(a), b) == Sum(a ++ b).
type Incremental interface {
	Sum(b []byte) uint32
	Add(seed uint32, b []byte) uint32
}

type crc32a struct{}

// CRC32a is the IEEE CRC-32. It is the default hash for ring points.
var CRC32a Incremental = crc32a{}

func (crc32a) Sum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func (crc32a) Add(seed uint32, b []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, b)
}

type fnv1a32 struct{}

// FNV1a32 is the 32-bit FNV-1a hash.
var FNV1a32 Incremental = fnv1a32{}

func (fnv1a32) Sum(b []byte) uint32 {
	return fnv1a.AddString32(fnv1a.Init32, string(b))
}

func (fnv1a32) Add(seed uint32, b []byte) uint32 {
	return fnv1a.AddString32(seed, string(b))
}
