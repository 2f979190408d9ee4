// Package telemetry publishes periodic server process stats onto the event
// bus so observers see proxy health alongside the traffic stream.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/proxyscope/backend/internal/event"
)

type Producer struct {
	bus      *event.Bus
	interval time.Duration
	proc     *process.Process
}

func NewProducer(bus *event.Bus, interval time.Duration) (*Producer, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening own process: %w", err)
	}
	return &Producer{
		bus:      bus,
		interval: interval,
		proc:     proc,
	}, nil
}

// Start publishes one sample per interval until ctx is cancelled. It
// blocks; run it in a goroutine.
func (p *Producer) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.bus.Publish(p.sample())
		}
	}
}

// sample gathers a stats event. Metrics the platform can't provide are
// omitted rather than reported as zero.
func (p *Producer) sample() event.Event {
	ev := event.Event{
		"event_name": "server_stats",
		"time":       time.Now().Unix(),
		"goroutines": runtime.NumGoroutine(),
	}
	if cpu, err := p.proc.CPUPercent(); err == nil {
		ev["cpu_percent"] = cpu
	}
	if mem, err := p.proc.MemoryInfo(); err == nil {
		ev["mem_rss"] = mem.RSS
	}
	if fds, err := p.proc.NumFDs(); err == nil {
		ev["open_fds"] = fds
	}
	return ev
}
