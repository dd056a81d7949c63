// Package snapshot assembles the in-process host snapshot emitted as
// node.health.snapshot. Nothing here shells out; values come from /proc,
// statfs, and the interface table, with absent sources reported as absent
// rather than failing the snapshot.
package snapshot

import (
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/fieldlab/labplane/internal/envelope"
)

// Host is one point-in-time picture of the node.
type Host struct {
	Hostname      string      `json:"hostname"`
	Platform      string      `json:"platform"`
	GoVersion     string      `json:"go_version"`
	UptimeS       float64     `json:"uptime_s,omitempty"`
	Load1         float64     `json:"load_1,omitempty"`
	Load5         float64     `json:"load_5,omitempty"`
	Load15        float64     `json:"load_15,omitempty"`
	MemTotalKB    int64       `json:"mem_total_kb,omitempty"`
	MemAvailKB    int64       `json:"mem_avail_kb,omitempty"`
	DiskTotalMB   int64       `json:"disk_total_mb,omitempty"`
	DiskFreeMB    int64       `json:"disk_free_mb,omitempty"`
	Interfaces    []Interface `json:"interfaces,omitempty"`
	CollectedTsMs int64       `json:"collected_ts_ms"`
}

// Interface is one entry of the interface dump.
type Interface struct {
	Name  string   `json:"name"`
	Up    bool     `json:"up"`
	Addrs []string `json:"addrs,omitempty"`
}

// Collect gathers everything available on this host. Partial data is normal:
// a mac has no /proc, a container may hide the disk.
func Collect() Host {
	h := Host{
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:     runtime.Version(),
		CollectedTsMs: envelope.NowMs(),
	}
	h.Hostname, _ = os.Hostname()
	h.UptimeS = readUptime()
	h.Load1, h.Load5, h.Load15 = readLoad()
	h.MemTotalKB, h.MemAvailKB = readMeminfo()
	h.DiskTotalMB, h.DiskFreeMB = probeDisk("/")
	h.Interfaces = dumpInterfaces()
	return h
}

// Map renders the snapshot as envelope data.
func (h Host) Map() map[string]interface{} {
	m := map[string]interface{}{
		"hostname":        h.Hostname,
		"platform":        h.Platform,
		"go_version":      h.GoVersion,
		"collected_ts_ms": h.CollectedTsMs,
	}
	if h.UptimeS > 0 {
		m["uptime_s"] = h.UptimeS
	}
	if h.Load1 > 0 || h.Load5 > 0 || h.Load15 > 0 {
		m["load"] = []float64{h.Load1, h.Load5, h.Load15}
	}
	if h.MemTotalKB > 0 {
		m["mem_total_kb"] = h.MemTotalKB
		m["mem_avail_kb"] = h.MemAvailKB
	}
	if h.DiskTotalMB > 0 {
		m["disk_total_mb"] = h.DiskTotalMB
		m["disk_free_mb"] = h.DiskFreeMB
	}
	if len(h.Interfaces) > 0 {
		ifs := make([]map[string]interface{}, 0, len(h.Interfaces))
		for _, i := range h.Interfaces {
			ifs = append(ifs, map[string]interface{}{"name": i.Name, "up": i.Up, "addrs": i.Addrs})
		}
		m["interfaces"] = ifs
	}
	return m
}

// ============================================================================
// PROBES
// ============================================================================

func readUptime() float64 {
	raw, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	up, _ := strconv.ParseFloat(fields[0], 64)
	return up
}

func readLoad() (l1, l5, l15 float64) {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, 0, 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 3 {
		return 0, 0, 0
	}
	l1, _ = strconv.ParseFloat(fields[0], 64)
	l5, _ = strconv.ParseFloat(fields[1], 64)
	l15, _ = strconv.ParseFloat(fields[2], 64)
	return l1, l5, l15
}

func readMeminfo() (totalKB, availKB int64) {
	raw, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseInt(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return totalKB, availKB
}

func probeDisk(path string) (totalMB, freeMB int64) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, 0
	}
	bs := int64(st.Bsize)
	return int64(st.Blocks) * bs / (1 << 20), int64(st.Bavail) * bs / (1 << 20)
}

func dumpInterfaces() []Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		entry := Interface{Name: iface.Name, Up: iface.Flags&net.FlagUp != 0}
		if addrs, err := iface.Addrs(); err == nil {
			for _, a := range addrs {
				entry.Addrs = append(entry.Addrs, a.String())
			}
		}
		out = append(out, entry)
	}
	return out
}
