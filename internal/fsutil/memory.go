package fsutil

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
)

// GetSystemMemory returns available memory in bytes.
func GetSystemMemory() (uint64, error) {
	// MemAvailable is closer to what we can actually allocate than Freeram.
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
						return kb * 1024, nil
					}
				}
			}
		}
	}

	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, err
	}
	return uint64(sysinfo.Freeram) * uint64(sysinfo.Unit), nil
}

// FitsInMemory reports whether need bytes can be held at once while leaving at
// least half of the available memory free. Unknown memory counts as fitting.
func FitsInMemory(need uint64, logger *slog.Logger) bool {
	avail, err := GetSystemMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return true
	}
	fits := need < avail/2
	if logger != nil {
		logger.Debug("memory check",
			"available", humanize.IBytes(avail),
			"required", humanize.IBytes(need),
			"fits", fits,
		)
	}
	return fits
}
