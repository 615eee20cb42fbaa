package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector periodically samples host CPU, memory and the disk holding
// the store, and publishes the figures via expvar.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Float
	diskFreeBytes   *expvar.Int
	diskPath        string
	interval        time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a new collector. diskPath is the store directory.
// Collectors share the process-wide expvar names.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{
		cpuUsagePercent: publishedFloat("system_cpu_usage_percent"),
		memUsagePercent: publishedFloat("system_mem_usage_percent"),
		diskUsage:       publishedFloat("system_disk_usage_percent"),
		diskFreeBytes:   publishedInt("system_disk_free_bytes"),
		diskPath:        diskPath,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
}

func publishedFloat(name string) *expvar.Float {
	if v, ok := expvar.Get(name).(*expvar.Float); ok {
		return v
	}
	return expvar.NewFloat(name)
}

func publishedInt(name string) *expvar.Int {
	if v, ok := expvar.Get(name).(*expvar.Int); ok {
		return v
	}
	return expvar.NewInt(name)
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()
	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collect() {
	// Zero interval compares against the previous call.
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		sc.cpuUsagePercent.Set(pcts[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sc.memUsagePercent.Set(vm.UsedPercent)
	}
	du, err := disk.Usage(sc.diskPath)
	if err != nil {
		sc.logger.Debug("Disk usage unavailable", "path", sc.diskPath, "error", err)
		return
	}
	sc.diskUsage.Set(du.UsedPercent)
	sc.diskFreeBytes.Set(int64(du.Free))
}
