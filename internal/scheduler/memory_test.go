package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const meminfoModern = `MemTotal:       16384000 kB
MemFree:         1024000 kB
MemAvailable:    8192000 kB
Buffers:          512000 kB
Cached:          2048000 kB
`

const meminfoLegacy = `MemTotal:       16384000 kB
MemFree:         1024000 kB
Buffers:          512000 kB
Cached:          2048000 kB
`

func TestParseMemInfoPrefersMemAvailable(t *testing.T) {
	pct, err := parseMemInfo(meminfoModern)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pct, 0.01)
}

func TestParseMemInfoLegacyFallback(t *testing.T) {
	pct, err := parseMemInfo(meminfoLegacy)
	require.NoError(t, err)
	// (1024000+512000+2048000)/16384000 = 21.875%
	assert.InDelta(t, 21.875, pct, 0.01)
}

func TestParseMemInfoMissingTotal(t *testing.T) {
	_, err := parseMemInfo("MemFree: 100 kB\n")
	assert.Error(t, err)
}

const vmStatOut = `Mach Virtual Memory Statistics: (page size of 16384 bytes)
Pages free:                              100000.
Pages active:                            200000.
Pages inactive:                           50000.
Pages speculative:                        25000.
Pages throttled:                              0.
Pages wired down:                         80000.
Pages purgeable:                          25000.
"Translation faults":                 123456789.
`

func TestParseVMStat(t *testing.T) {
	bytes, err := parseVMStat(vmStatOut)
	require.NoError(t, err)
	// (100000+50000+25000+25000) pages * 16384
	assert.Equal(t, uint64(200000*16384), bytes)
}

func TestParseVMStatGarbage(t *testing.T) {
	_, err := parseVMStat("not vm_stat output at all")
	assert.Error(t, err)
}

func TestLinuxMemoryReadsInjectedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte(meminfoModern), 0o644))

	m := &linuxMemory{path: path}
	pct, err := m.AvailablePercent(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pct, 0.01)
}

func TestStaticMemory(t *testing.T) {
	pct, err := StaticMemory(42).AvailablePercent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, pct)
}
