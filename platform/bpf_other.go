//go:build !linux

package platform

import (
	"fmt"
	"runtime"
)

func NewBPFMonitor(cfg MonitorConfig) (BPFMonitor, error) {
	return nil, fmt.Errorf("BPF sampling is not supported on %s", runtime.GOOS)
}
