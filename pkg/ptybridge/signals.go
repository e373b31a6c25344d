package ptybridge

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ParseSignal maps the wire-protocol signal names onto their numbers.
// Only the closed set clients may send is accepted.
func ParseSignal(name string) (unix.Signal, error) {
	switch name {
	case "SIGINT":
		return unix.SIGINT, nil
	case "SIGTERM":
		return unix.SIGTERM, nil
	case "SIGKILL":
		return unix.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unsupported signal %q", name)
	}
}
