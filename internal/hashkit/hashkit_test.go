package hashkit

import (
	"errors"
	"fmt"
	"testing"
)

func TestIncremental_KnownValues(t *testing.T) {
	tests := []struct {
		name string
		h    Incremental
		in   string
		want uint32
	}{
		{name: "crc32a check", h: CRC32a, in: "123456789", want: 0xcbf43926},
		{name: "crc32a empty", h: CRC32a, in: "", want: 0},
		{name: "fnv1a32 empty", h: FNV1a32, in: "", want: 0x811c9dc5},
		{name: "fnv1a32 a", h: FNV1a32, in: "a", want: 0xe40c292c},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.h.Sum([]byte(tt.in)); got != tt.want {
				t.Errorf("Sum(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

// TestIncremental_AddMatchesSum checks that feeding bytes in pieces equals
// hashing the concatenation.
func TestIncremental_AddMatchesSum(t *testing.T) {
	hashes := map[string]Incremental{"crc32a": CRC32a, "fnv1a32": FNV1a32}
	inputs := [][2]string{
		{"127.0.0.1", "\x0011211"},
		{"", "abc"},
		{"abc", ""},
		{"cache-01.example.net", "\x00\x01\x02\x03"},
	}

	for name, h := range hashes {
		for _, in := range inputs {
			whole := h.Sum([]byte(in[0] + in[1]))
			pieces := h.Add(h.Sum([]byte(in[0])), []byte(in[1]))
			if whole != pieces {
				t.Errorf("%s: Add(Sum(%q), %q) = %#x, want %#x", name, in[0], in[1], pieces, whole)
			}
		}
	}
}

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		fn, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) error = %v", name, err)
		}
		// Deterministic for the same key.
		for i := 0; i < 10; i++ {
			key := []byte(fmt.Sprintf("key-%d", i))
			if fn(key) != fn(key) {
				t.Errorf("%s not deterministic for %q", name, key)
			}
		}
	}

	_, err := Lookup("sha3")
	if !errors.Is(err, ErrUnknownHash) {
		t.Errorf("Lookup(sha3) error = %v, want ErrUnknownHash", err)
	}
}

func TestCRC32_FifteenBits(t *testing.T) {
	for i := 0; i < 1000; i++ {
		if h := CRC32([]byte(fmt.Sprintf("k%d", i))); h > 0x7fff {
			t.Fatalf("CRC32 produced %#x, want <= 0x7fff", h)
		}
	}
}

func TestOneAtATime(t *testing.T) {
	if got := OneAtATime([]byte("a")); got != 0xca2e9442 {
		t.Errorf("OneAtATime(a) = %#x, want 0xca2e9442", got)
	}
}

func TestXXHash_TrailingDigitSpread(t *testing.T) {
	// Keys differing only in their last digit must not cluster on the ring.
	lo, hi := uint32(0xffffffff), uint32(0)
	for i := 0; i < 10; i++ {
		h := XXHash([]byte(fmt.Sprintf("key-%d", i)))
		lo = min(lo, h)
		hi = max(hi, h)
	}
	if hi-lo < 1<<28 {
		t.Errorf("XXHash of key-0..key-9 spans %#x, want at least %#x", hi-lo, uint32(1<<28))
	}
}
