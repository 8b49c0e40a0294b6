package supervisor

import (
	"bufio"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/oriys/quasar/internal/logging"
)

var pageSize = int64(unix.Getpagesize())

// currentRSSMB reads the resident set size from /proc. On platforms
// without procfs it falls back to the Go heap, which under-reports but
// still catches runaway growth.
func currentRSSMB() int {
	if f, err := os.Open("/proc/self/statm"); err == nil {
		defer f.Close()
		scanner := bufio.NewScanner(f)
		if scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) >= 2 {
				if pages, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return int(pages * pageSize >> 20)
				}
			}
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int(ms.HeapAlloc >> 20)
}

var pressureFlag atomic.Bool

func (s *Supervisor) underPressure() bool {
	return pressureFlag.Load()
}

// memoryProbe checks RSS against the configured thresholds. Above warn it
// logs; above critical it returns memory to the OS and defers new account
// connects until the next clean probe.
func (s *Supervisor) memoryProbe() {
	rss := currentRSSMB()
	warn, critical := s.cfg.Supervisor.MemoryWarnMB, s.cfg.Supervisor.MemoryCriticalMB

	switch {
	case critical > 0 && rss >= critical:
		logging.Op().Warn("memory critical, forcing GC and deferring connects",
			"rss_mb", rss, "critical_mb", critical)
		pressureFlag.Store(true)
		debug.FreeOSMemory()
	case warn > 0 && rss >= warn:
		logging.Op().Warn("memory above warning threshold", "rss_mb", rss, "warn_mb", warn)
		pressureFlag.Store(false)
	default:
		pressureFlag.Store(false)
	}
}
