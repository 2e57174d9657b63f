// Package platform detects the host kernel version to decide which
// TCP_INFO fields and socket options the metrics and netmux packages can
// rely on, generalizing a fixed TCP_INFO struct-size table into a small
// set of named feature gates.
package platform

import (
	"fmt"

	"github.com/docker/docker/pkg/parsers/kernel"
)

// Features records which kernel-version-gated capabilities are available
// on the running host.
type Features struct {
	Version *kernel.VersionInfo

	// SupportsExtendedTCPInfo reports whether TCP_INFO carries the
	// sender congestion-window fields netmux/metrics report (added in
	// Linux 4.2).
	SupportsExtendedTCPInfo bool

	// SupportsBBRInfo reports whether TCP_INFO carries delivery-rate
	// fields (added in Linux 4.9), which the emulator does not currently
	// report but probes for forward compatibility.
	SupportsBBRInfo bool
}

// Detect runs uname(2) via docker/docker/pkg/parsers/kernel and derives
// Features from it. On platforms without kernel-version detection it
// returns a zero Features with every gate closed.
func Detect() (Features, error) {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		return Features{}, fmt.Errorf("platform: detect kernel version: %w", err)
	}
	f := Features{Version: v}
	f.SupportsExtendedTCPInfo = atLeast(v, 4, 2)
	f.SupportsBBRInfo = atLeast(v, 4, 9)
	return f, nil
}

func atLeast(v *kernel.VersionInfo, major, minor int) bool {
	return kernel.CompareKernelVersion(*v, kernel.VersionInfo{Kernel: major, Major: minor}) >= 0
}

// MustDetect calls Detect and falls back to an all-gates-closed Features
// on error, for callers (like a metrics registration path) that would
// rather degrade than fail startup over an unreadable kernel version.
func MustDetect() Features {
	f, err := Detect()
	if err != nil {
		return Features{}
	}
	return f
}
