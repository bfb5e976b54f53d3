package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// MemoryProvider reports system memory that could be reclaimed for new agent
// processes. "Available" deliberately includes inactive and purgeable pages,
// not just free ones.
type MemoryProvider interface {
	AvailablePercent(ctx context.Context) (float64, error)
}

// StaticMemory is a fixed-value provider for tests and for platforms
// without a probe.
type StaticMemory float64

func (m StaticMemory) AvailablePercent(ctx context.Context) (float64, error) {
	return float64(m), nil
}

// NewSystemMemory returns the probe for the current platform.
func NewSystemMemory() MemoryProvider {
	switch runtime.GOOS {
	case "darwin":
		return &darwinMemory{}
	case "linux":
		return &linuxMemory{path: "/proc/meminfo"}
	default:
		// No probe: report plenty so the guard never fires.
		return StaticMemory(100)
	}
}

// linuxMemory reads /proc/meminfo, preferring the kernel's MemAvailable
// estimate and falling back to MemFree+Buffers+Cached on old kernels.
type linuxMemory struct {
	path string
}

func (m *linuxMemory) AvailablePercent(ctx context.Context) (float64, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	return parseMemInfo(string(data))
}

func parseMemInfo(data string) (float64, error) {
	fields := make(map[string]uint64)
	for _, line := range strings.Split(data, "\n") {
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		parts := strings.Fields(rest)
		if len(parts) == 0 {
			continue
		}
		kb, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			continue
		}
		fields[name] = kb
	}

	total := fields["MemTotal"]
	if total == 0 {
		return 0, fmt.Errorf("meminfo: missing MemTotal")
	}

	avail, ok := fields["MemAvailable"]
	if !ok {
		avail = fields["MemFree"] + fields["Buffers"] + fields["Cached"]
	}
	return float64(avail) / float64(total) * 100, nil
}

// darwinMemory shells out to vm_stat and sysctl, counting free, inactive,
// purgeable and speculative pages as reclaimable.
type darwinMemory struct{}

func (m *darwinMemory) AvailablePercent(ctx context.Context) (float64, error) {
	vmOut, err := exec.CommandContext(ctx, "vm_stat").Output()
	if err != nil {
		return 0, fmt.Errorf("vm_stat: %w", err)
	}
	availBytes, err := parseVMStat(string(vmOut))
	if err != nil {
		return 0, err
	}

	sysctlOut, err := exec.CommandContext(ctx, "sysctl", "-n", "hw.memsize").Output()
	if err != nil {
		return 0, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	total, err := strconv.ParseUint(strings.TrimSpace(string(sysctlOut)), 10, 64)
	if err != nil || total == 0 {
		return 0, fmt.Errorf("sysctl hw.memsize: bad value %q", string(sysctlOut))
	}

	return float64(availBytes) / float64(total) * 100, nil
}

// parseVMStat returns reclaimable bytes from vm_stat output.
func parseVMStat(out string) (uint64, error) {
	pageSize := uint64(4096)
	pages := make(map[string]uint64)

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Mach Virtual Memory Statistics") {
			// "(page size of 16384 bytes)"
			if i := strings.Index(line, "page size of "); i >= 0 {
				rest := line[i+len("page size of "):]
				if n, err := strconv.ParseUint(strings.Fields(rest)[0], 10, 64); err == nil {
					pageSize = n
				}
			}
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val := strings.TrimSuffix(strings.TrimSpace(rest), ".")
		n, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		pages[strings.TrimSpace(name)] = n
	}

	if len(pages) == 0 {
		return 0, fmt.Errorf("vm_stat: no page counts found")
	}

	reclaimable := pages["Pages free"] +
		pages["Pages inactive"] +
		pages["Pages purgeable"] +
		pages["Pages speculative"]
	return reclaimable * pageSize, nil
}
