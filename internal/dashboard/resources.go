package dashboard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"optionflow/logger"
)

// resourceSnapshot is one host utilisation sample.
type resourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
	DiskUsed    uint64    `json:"disk_used"`
	DiskTotal   uint64    `json:"disk_total"`
	DiskPct     float64   `json:"disk_percent"`
}

// hostCollectors read host utilisation. The cpu collector blocks for the
// sampling interval.
type hostCollectors struct {
	cpu  func(ctx context.Context, interval time.Duration) ([]float64, error)
	mem  func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	disk func(ctx context.Context, path string) (*disk.UsageStat, error)
}

func gopsutilCollectors() hostCollectors {
	return hostCollectors{
		cpu: func(ctx context.Context, interval time.Duration) ([]float64, error) {
			return cpu.PercentWithContext(ctx, interval, false)
		},
		mem:  mem.VirtualMemoryWithContext,
		disk: disk.UsageWithContext,
	}
}

// resourceSampler keeps the newest host samples for /api/resources while the
// status server runs. A failed pass is counted and retried after one
// interval.
type resourceSampler struct {
	samples  *ring[resourceSnapshot]
	collect  hostCollectors
	interval time.Duration
	diskPath string
	now      func() time.Time
	failures atomic.Int64

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

func newResourceSampler(limit int, interval time.Duration, diskPath string, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = time.Second
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &resourceSampler{
		samples:  newRing[resourceSnapshot](limit),
		collect:  gopsutilCollectors(),
		interval: interval,
		diskPath: diskPath,
		now:      time.Now,
		log:      log,
	}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	return s.samples.snapshot()
}

func (s *resourceSampler) failed() int64 {
	if s == nil {
		return 0
	}
	return s.failures.Load()
}

// sample takes one reading of every collector.
func (s *resourceSampler) sample(ctx context.Context) (resourceSnapshot, error) {
	cpuPct, err := s.collect.cpu(ctx, s.interval)
	if err != nil {
		return resourceSnapshot{}, fmt.Errorf("cpu: %w", err)
	}
	vm, err := s.collect.mem(ctx)
	if err != nil {
		return resourceSnapshot{}, fmt.Errorf("memory: %w", err)
	}
	du, err := s.collect.disk(ctx, s.diskPath)
	if err != nil {
		return resourceSnapshot{}, fmt.Errorf("disk %s: %w", s.diskPath, err)
	}

	snap := resourceSnapshot{
		Timestamp:   s.now(),
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		MemoryPct:   vm.UsedPercent,
		DiskUsed:    du.Used,
		DiskTotal:   du.Total,
		DiskPct:     du.UsedPercent,
	}
	if len(cpuPct) > 0 {
		snap.CPUPercent = cpuPct[0]
	}
	return snap, nil
}

func (s *resourceSampler) run(ctx context.Context) {
	defer s.running.Store(false)
	for ctx.Err() == nil {
		snap, err := s.sample(ctx)
		if err != nil {
			s.failures.Add(1)
			s.log.WithComponent("resource_sampler").WithError(err).Debug("host sample failed")
			select {
			case <-ctx.Done():
			case <-time.After(s.interval):
			}
			continue
		}
		s.samples.add(snap)
	}
}
