// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysmetrics

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// cpuReading captures cumulative CPU time from the first line of
// /proc/stat:
//
//	cpu  user nice system idle iowait irq softirq steal guest guest_nice
//
// busy = user + nice + system + irq + softirq + steal
// idle = idle + iowait
//
// guest and guest_nice are already included in user and nice.
type cpuReading struct {
	busy uint64
	idle uint64
}

// readCPU returns nil on any parse failure; callers report 0%.
func readCPU(procRoot string) *cpuReading {
	file, err := os.Open(filepath.Join(procRoot, "stat"))
	if err != nil {
		return nil
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		return nil
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return nil
	}
	values := make([]uint64, 8)
	for i := range values {
		parsed, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return nil
		}
		values[i] = parsed
	}
	return &cpuReading{
		busy: values[0] + values[1] + values[2] + values[5] + values[6] + values[7],
		idle: values[3] + values[4],
	}
}

// cpuPercent computes utilization between two readings. Returns 0 when
// either is missing or no time passed.
func cpuPercent(previous, current *cpuReading) float64 {
	if previous == nil || current == nil || current.busy < previous.busy || current.idle < previous.idle {
		return 0
	}
	busyDelta := current.busy - previous.busy
	totalDelta := busyDelta + current.idle - previous.idle
	if totalDelta == 0 {
		return 0
	}
	return float64(busyDelta) / float64(totalDelta) * 100
}

// memoryPercent returns used RAM as a percentage of total, from
// sysinfo(2).
func memoryPercent() (float64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	free := uint64(info.Freeram+info.Bufferram) * uint64(info.Unit)
	if total == 0 || free > total {
		return 0, false
	}
	return float64(total-free) / float64(total) * 100, true
}

// memoryTotalMB returns installed RAM in megabytes.
func memoryTotalMB() int64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	return int64(uint64(info.Totalram) * uint64(info.Unit) / (1024 * 1024))
}

// diskPercent returns the used share of the filesystem holding path.
func diskPercent(path string) (float64, bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, false
	}
	total := stat.Blocks * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)
	if total == 0 || available > total {
		return 0, false
	}
	return float64(total-available) / float64(total) * 100, true
}

// processStatus holds the fields read from /proc/<pid>/status.
type processStatus struct {
	rssMB   float64
	threads int64
}

// readProcessStatus parses VmRSS (kB) and Threads.
func readProcessStatus(procRoot string, pid int) (processStatus, bool) {
	file, err := os.Open(filepath.Join(procRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return processStatus{}, false
	}
	defer file.Close()

	var status processStatus
	found := false
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		switch key {
		case "VmRSS":
			kilobytes, err := strconv.ParseFloat(fields[0], 64)
			if err == nil {
				status.rssMB = kilobytes / 1024
				found = true
			}
		case "Threads":
			threads, err := strconv.ParseInt(fields[0], 10, 64)
			if err == nil {
				status.threads = threads
			}
		}
	}
	return status, found
}

// readCPUModel extracts the first "model name" from /proc/cpuinfo.
func readCPUModel(procRoot string) string {
	file, err := os.Open(filepath.Join(procRoot, "cpuinfo"))
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// kernelRelease returns the release field of uname(2).
func kernelRelease() string {
	var name unix.Utsname
	if err := unix.Uname(&name); err != nil {
		return ""
	}
	return unix.ByteSliceToString(name.Release[:])
}
