package orchestrator

import (
	"fmt"
	"net"

	"crew/pkg/protocol"
)

// allocatePort returns the lowest port in [base, base+count) that is neither
// registered to another agent nor currently bound on loopback. The bind
// probe catches ports held by processes outside the registry, such as an
// agent orphaned by a crashed daemon.
func allocatePort(base, count int, used map[int]bool) (int, error) {
	for port := base; port < base+count; port++ {
		if used[port] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		_ = ln.Close()
		return port, nil
	}
	return 0, &protocol.PortExhaustedError{Base: base, Count: count}
}
