//go:build !linux

// This NPU emulator is a Linux channel-program host (platform.Detect relies
// on Linux's uname-derived kernel version table); every other GOOS gets the
// same "unsupported, zero value" stub rather than a maintained byte-exact
// TCP_INFO struct mirror for an OS that never hosts this emulator.
package tcpinfo

import (
	"fmt"
	"runtime"
)

type SysInfo struct {
	// Empty for unsupported platforms
}

func (s *SysInfo) ToInfo() *Info {
	return &Info{}
}

func (s *SysInfo) Warnings() []string {
	return nil
}

func (s *SysInfo) ToMap() map[string]any {
	return map[string]any{}
}

func GetTCPInfo(fd uintptr) (*SysInfo, error) {
	return nil, fmt.Errorf("%s is unsupported", runtime.GOOS)
}

func Supported() bool {
	return false
}
