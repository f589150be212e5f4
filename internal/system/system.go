// Package system reports device facts for the status surface: what board
// this is, how long it has been up, and whether it is under pressure.
// Everything is best effort; a field that cannot be read is zero, never an
// error, because the status page must render on any box.
package system

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Info is the device summary shown alongside the connection state.
type Info struct {
	Hostname      string  `json:"hostname"`
	Model         string  `json:"model,omitempty"`
	Serial        string  `json:"serial,omitempty"`
	OSName        string  `json:"os_name"`
	Kernel        string  `json:"kernel"`
	Architecture  string  `json:"architecture"`
	UptimeSecs    uint64  `json:"uptime_seconds"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	LoadAvg1      float64 `json:"load_avg_1"`
	CPUTempC      float64 `json:"cpu_temp_c,omitempty"`
}

// Describe collects the device summary.
func Describe() *Info {
	info := &Info{Architecture: runtime.GOARCH}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OSName = hostInfo.Platform
		info.Kernel = hostInfo.KernelVersion
		info.UptimeSecs = hostInfo.Uptime
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.MemoryPercent = memInfo.UsedPercent
	}
	if diskInfo, err := disk.Usage("/"); err == nil {
		info.DiskPercent = diskInfo.UsedPercent
	}
	if loadInfo, err := load.Avg(); err == nil {
		info.LoadAvg1 = loadInfo.Load1
	}

	info.Model = readFileString("/sys/firmware/devicetree/base/model")
	info.Serial = boardSerial()
	info.CPUTempC = cpuTemperature()

	return info
}

// readFileString reads a sysfs-style file as a trimmed string. Devicetree
// values carry trailing null bytes, which are stripped. Missing files yield
// an empty string; not every field exists on every board.
func readFileString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.ReplaceAll(string(data), "\x00", ""))
}

// boardSerial reads the board serial from /proc/cpuinfo.
func boardSerial() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "Serial") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// cpuTemperature reads the SoC temperature from the thermal zone, in
// degrees Celsius. Zero means unavailable.
func cpuTemperature() float64 {
	for _, path := range []string{
		"/sys/class/thermal/thermal_zone0/temp",
		"/sys/devices/virtual/thermal/thermal_zone0/temp",
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var milli int
		if _, err := fmt.Sscanf(string(data), "%d", &milli); err == nil {
			return float64(milli) / 1000.0
		}
	}
	return 0
}
