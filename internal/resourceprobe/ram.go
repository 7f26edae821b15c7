package resourceprobe

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// cgroupMaxNoLimit mirrors the reference implementation's sentinel
// threshold for "no limit set" under cgroup v1, where unset limits are
// represented as a very large byte count rather than a dedicated value.
const cgroupMaxNoLimit = 9_000_000_000_000_000_000

// processRSSMB reads the calling process's resident set size from
// /proc/self/status. Returns an error on non-Linux or unreadable procfs;
// callers treat that as a structured zero-result, never a panic.
func processRSSMB() (int64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, fmt.Errorf("resourceprobe: read rss: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("resourceprobe: parse VmRSS: %w", err)
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("resourceprobe: VmRSS not found in /proc/self/status")
}

// hostAvailableMB reads system-wide available memory from /proc/meminfo.
func hostAvailableMB() (int64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("resourceprobe: read meminfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("resourceprobe: parse MemAvailable: %w", err)
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("resourceprobe: MemAvailable not found in /proc/meminfo")
}

// cgroupAvailableMB tries cgroup v2 first, then v1. Returns 0 if neither
// cgroup path exists or no limit is configured (treated as "unknown",
// letting the auto mode fall back to host-level accounting).
func cgroupAvailableMB() int64 {
	if mb, ok := cgroupV2AvailableMB(); ok {
		return mb
	}
	if mb, ok := cgroupV1AvailableMB(); ok {
		return mb
	}
	return 0
}

func cgroupV2AvailableMB() (int64, bool) {
	maxRaw, err := readTrimmedFile("/sys/fs/cgroup/memory.max")
	if err != nil {
		return 0, false
	}
	if maxRaw == "max" {
		return 0, false
	}
	limit, err := strconv.ParseInt(maxRaw, 10, 64)
	if err != nil {
		return 0, false
	}

	currentRaw, err := readTrimmedFile("/sys/fs/cgroup/memory.current")
	if err != nil {
		return 0, false
	}
	current, err := strconv.ParseInt(currentRaw, 10, 64)
	if err != nil {
		return 0, false
	}

	avail := (limit - current) / (1024 * 1024)
	if avail < 0 {
		avail = 0
	}
	return avail, true
}

func cgroupV1AvailableMB() (int64, bool) {
	limitRaw, err := readTrimmedFile("/sys/fs/cgroup/memory/memory.limit_in_bytes")
	if err != nil {
		return 0, false
	}
	limit, err := strconv.ParseInt(limitRaw, 10, 64)
	if err != nil {
		return 0, false
	}
	if limit > cgroupMaxNoLimit {
		return 0, false
	}

	usageRaw, err := readTrimmedFile("/sys/fs/cgroup/memory/memory.usage_in_bytes")
	if err != nil {
		return 0, false
	}
	usage, err := strconv.ParseInt(usageRaw, 10, 64)
	if err != nil {
		return 0, false
	}

	avail := (limit - usage) / (1024 * 1024)
	if avail < 0 {
		avail = 0
	}
	return avail, true
}

func readTrimmedFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
