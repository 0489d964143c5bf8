package gateway

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SystemMetrics is the /api/metrics payload.
type SystemMetrics struct {
	CPULoad1    float64        `json:"cpu_load_1"`
	CPUPercent  float64        `json:"cpu_percent"`
	CPUCores    int            `json:"cpu_cores"`
	MemUsedMB   float64        `json:"mem_used_mb"`
	MemTotalMB  float64        `json:"mem_total_mb"`
	HeapAllocMB float64        `json:"heap_alloc_mb"`
	GCRuns      uint32         `json:"gc_runs"`
	Goroutines  int            `json:"goroutines"`
	UptimeSec   int64          `json:"uptime_sec"`
	Clients     int            `json:"ws_clients"`
	Broadcast   LatencySummary `json:"broadcast_latency"`
	TS          string         `json:"ts"`
}

type cpuSample struct {
	idle  uint64
	total uint64
}

// sysSampler remembers the previous /proc/stat reading so CPU usage can be
// computed as a delta between calls.
type sysSampler struct {
	mu   sync.Mutex
	prev cpuSample
}

func readCPUSample() cpuSample {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuSample{}
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			break
		}
		var total, idle uint64
		for i := 1; i < len(fields); i++ {
			v, _ := strconv.ParseUint(fields[i], 10, 64)
			total += v
			if i == 4 {
				idle = v
			}
		}
		return cpuSample{idle: idle, total: total}
	}
	return cpuSample{}
}

// collect gathers process and host resource usage. Host figures are zero on
// systems without /proc.
func (s *sysSampler) collect(start time.Time) SystemMetrics {
	m := SystemMetrics{
		Goroutines: runtime.NumGoroutine(),
		UptimeSec:  int64(time.Since(start).Seconds()),
		TS:         time.Now().UTC().Format(time.RFC3339Nano),
		CPUCores:   runtime.NumCPU(),
	}

	cur := readCPUSample()
	s.mu.Lock()
	if s.prev.total > 0 && cur.total > s.prev.total {
		dTotal := float64(cur.total - s.prev.total)
		dIdle := float64(cur.idle - s.prev.idle)
		m.CPUPercent = (1.0 - dIdle/dTotal) * 100.0
	}
	s.prev = cur
	s.mu.Unlock()

	if raw, err := os.ReadFile("/proc/loadavg"); err == nil {
		if fields := strings.Fields(string(raw)); len(fields) > 0 {
			m.CPULoad1, _ = strconv.ParseFloat(fields[0], 64)
		}
	}

	m.MemTotalMB, m.MemUsedMB = readMemInfo()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024
	m.GCRuns = ms.NumGC
	return m
}

// readMemInfo returns total and used host memory in MB.
func readMemInfo() (totalMB, usedMB float64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(total) / 1024, float64(total-available) / 1024
}
