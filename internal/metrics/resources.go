package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ResourceUsage is one CPU and memory sample of a bot's root process.
type ResourceUsage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for resource sampling.
type SamplerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	HistorySize int           `mapstructure:"history_size"`
}

// ResourceSampler periodically samples the processes of running bots.
type ResourceSampler struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	procs   map[string]*gopsproc.Process // kept between rounds so CPU deltas work
	history map[string][]ResourceUsage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewResourceSampler(cfg SamplerConfig) *ResourceSampler {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 60
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bot",
			Name:      name,
			Help:      help,
		}, []string{"bot"})
	}
	return &ResourceSampler{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.HistorySize,
		procs:      make(map[string]*gopsproc.Process),
		history:    make(map[string][]ResourceUsage),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the bot process."),
		memoryMB:   gauge("memory_mb", "Resident memory of the bot process in MB."),
		numThreads: gauge("num_threads", "Threads of the bot process."),
		numFDs:     gauge("num_fds", "Open file descriptors of the bot process (Unix only)."),
	}
}

func (s *ResourceSampler) Enabled() bool { return s.enabled }

// Register registers the sampler gauges with r.
func (s *ResourceSampler) Register(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pids() every interval until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context, pids func() map[string]int32) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Sample(pids())
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Sample takes one round of samples for the given bot -> pid map and forgets
// bots that are no longer present.
func (s *ResourceSampler) Sample(pids map[string]int32) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for bot, pid := range pids {
		if pid <= 0 {
			continue
		}
		p := s.procs[bot]
		if p == nil || p.Pid != pid {
			np, err := gopsproc.NewProcess(pid)
			if err != nil {
				slog.Debug("resource sample: process gone", "bot", bot, "pid", pid, "error", err)
				continue
			}
			p = np
			s.procs[bot] = p
		}
		u, err := sampleOne(p, now)
		if err != nil {
			slog.Debug("resource sample failed", "bot", bot, "pid", pid, "error", err)
			continue
		}
		s.cpuPercent.WithLabelValues(bot).Set(u.CPUPercent)
		s.memoryMB.WithLabelValues(bot).Set(u.MemoryMB)
		s.numThreads.WithLabelValues(bot).Set(float64(u.NumThreads))
		if runtime.GOOS != "windows" {
			s.numFDs.WithLabelValues(bot).Set(float64(u.NumFDs))
		}
		h := append(s.history[bot], u)
		if len(h) > s.maxHistory {
			h = h[len(h)-s.maxHistory:]
		}
		s.history[bot] = h
	}
	for bot := range s.procs {
		if _, ok := pids[bot]; ok {
			continue
		}
		delete(s.procs, bot)
		delete(s.history, bot)
		s.cpuPercent.DeleteLabelValues(bot)
		s.memoryMB.DeleteLabelValues(bot)
		s.numThreads.DeleteLabelValues(bot)
		s.numFDs.DeleteLabelValues(bot)
	}
}

func sampleOne(p *gopsproc.Process, now time.Time) (ResourceUsage, error) {
	mem, err := p.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("memory info: %w", err)
	}
	cpu, _ := p.CPUPercent()
	threads, _ := p.NumThreads()
	u := ResourceUsage{
		PID:        p.Pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if fds, err := p.NumFDs(); err == nil {
			u.NumFDs = fds
		}
	}
	return u, nil
}

// Latest returns the most recent sample for bot.
func (s *ResourceSampler) Latest(bot string) (ResourceUsage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history[bot]
	if len(h) == 0 {
		return ResourceUsage{}, false
	}
	return h[len(h)-1], true
}

// History returns a copy of the retained samples for bot, oldest first.
func (s *ResourceSampler) History(bot string) []ResourceUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ResourceUsage(nil), s.history[bot]...)
}
