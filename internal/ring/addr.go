package ring

import (
	"strconv"
	"strings"
)

// seedBytes lays out addr as host bytes, a NUL, then the decimal port. The
// returned slice aliases the ring's scratch buffer.
func (r *Ring) seedBytes(addr string) []byte {
	host, port := splitHostPort(addr)
	r.seed = append(r.seed[:0], host...)
	r.seed = append(r.seed, 0)
	r.seed = strconv.AppendUint(r.seed, uint64(port), 10)
	return r.seed
}

// splitHostPort splits at the last ':'. A missing or unparsable port is 0;
// addresses are validated by the registry, not here.
func splitHostPort(addr string) (string, uint16) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return addr, 0
	}
	port, err := strconv.ParseUint(addr[i+1:], 10, 16)
	if err != nil {
		return addr[:i], 0
	}
	return addr[:i], uint16(port)
}
