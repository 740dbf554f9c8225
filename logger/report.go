package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type counters struct {
	cyclesOK     int64
	cyclesFailed int64
	ticksDropped int64
	fallbacks    int64
	publishes    int64
	uploads      int64
}

var (
	stats      counters
	warnCount  sync.Map // component -> *int64
	errorCount sync.Map // component -> *int64
)

func bump(m *sync.Map, component string) {
	v, _ := m.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string)  { bump(&warnCount, component) }
func recordError(component string) { bump(&errorCount, component) }

// RecordCycle counts a finished job cycle.
func RecordCycle(ok bool) {
	if ok {
		atomic.AddInt64(&stats.cyclesOK, 1)
		return
	}
	atomic.AddInt64(&stats.cyclesFailed, 1)
}

func RecordDroppedTick()   { atomic.AddInt64(&stats.ticksDropped, 1) }
func RecordFallback()      { atomic.AddInt64(&stats.fallbacks, 1) }
func RecordPublish()       { atomic.AddInt64(&stats.publishes, 1) }
func RecordArchiveUpload() { atomic.AddInt64(&stats.uploads, 1) }

// ReportCounters is a point in time copy of the pipeline counters.
type ReportCounters struct {
	CyclesSucceeded int64            `json:"cycles_succeeded"`
	CyclesFailed    int64            `json:"cycles_failed"`
	TicksDropped    int64            `json:"ticks_dropped"`
	SourceFallbacks int64            `json:"source_fallbacks"`
	Publishes       int64            `json:"publishes"`
	ArchiveUploads  int64            `json:"archive_uploads"`
	Warnings        map[string]int64 `json:"warnings"`
	Errors          map[string]int64 `json:"errors"`
}

func collect(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// Counters returns the current counters.
func Counters() ReportCounters {
	return ReportCounters{
		CyclesSucceeded: atomic.LoadInt64(&stats.cyclesOK),
		CyclesFailed:    atomic.LoadInt64(&stats.cyclesFailed),
		TicksDropped:    atomic.LoadInt64(&stats.ticksDropped),
		SourceFallbacks: atomic.LoadInt64(&stats.fallbacks),
		Publishes:       atomic.LoadInt64(&stats.publishes),
		ArchiveUploads:  atomic.LoadInt64(&stats.uploads),
		Warnings:        collect(&warnCount),
		Errors:          collect(&errorCount),
	}
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}

	c := Counters()
	log.WithComponent("report").WithFields(Fields{
		"cycles_succeeded": c.CyclesSucceeded,
		"cycles_failed":    c.CyclesFailed,
		"ticks_dropped":    c.TicksDropped,
		"source_fallbacks": c.SourceFallbacks,
		"publishes":        c.Publishes,
		"archive_uploads":  c.ArchiveUploads,
		"warnings":         c.Warnings,
		"errors":           c.Errors,
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memMB),
	}).Info("runtime report")

	datum := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}
	publishMetrics(ctx, []cwtypes.MetricDatum{
		datum("CPUPercent", cwtypes.StandardUnitPercent, cpuPct),
		datum("MemoryMB", cwtypes.StandardUnitMegabytes, memMB),
		datum("CyclesSucceeded", cwtypes.StandardUnitCount, float64(c.CyclesSucceeded)),
		datum("CyclesFailed", cwtypes.StandardUnitCount, float64(c.CyclesFailed)),
		datum("TicksDropped", cwtypes.StandardUnitCount, float64(c.TicksDropped)),
		datum("SourceFallbacks", cwtypes.StandardUnitCount, float64(c.SourceFallbacks)),
		datum("Publishes", cwtypes.StandardUnitCount, float64(c.Publishes)),
	})
}
