package verbs

import "fmt"

// System returns the host RDMA provider. Hardware support is linked in
// separately; this build only carries the loopback fabric.
func System() (Transport, error) {
	return nil, fmt.Errorf("no system RDMA provider in this build; use the loopback transport")
}
