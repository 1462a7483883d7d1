// Package resourceguard implements an admission-control throttle:
// CPU/goroutine-based accept throttling and a token-bucket rate limit on job
// dispatch, so the Acceptor's own accept-one-per-tick contract is never
// violated by rejecting a socket after accepting it.
package resourceguard

import (
	"context"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"
)

func float64bits(f float64) uint64   { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

// Config tunes the guard's thresholds (sourced from internal/config.Config).
type Config struct {
	CPURejectThreshold float64
	MaxGoroutines      int
	MaxDispatchRate    rate.Limit
	DispatchBurst      int
}

// Guard gates new accepts and job dispatch on sampled resource pressure.
type Guard struct {
	cfg Config

	dispatchLimiter *rate.Limiter

	currentCPU    atomic.Uint64 // bits of a float64, via math.Float64bits
	currentGorout atomic.Int64
}

// New constructs a Guard. If cfg.MaxDispatchRate is zero, dispatch limiting
// is disabled (AllowDispatch always returns true).
func New(cfg Config) *Guard {
	g := &Guard{cfg: cfg}
	if cfg.MaxDispatchRate > 0 {
		g.dispatchLimiter = rate.NewLimiter(cfg.MaxDispatchRate, cfg.DispatchBurst)
	}
	return g
}

// ShouldAcceptConnection reports whether the Acceptor should call Accept
// this tick. When false, the Acceptor simply skips accepting and the
// pending connection waits in the kernel backlog, preserving the "accept at
// most one, never decide policy on an already-accepted socket" contract.
func (g *Guard) ShouldAcceptConnection() bool {
	if runtime.NumGoroutine() > g.cfg.MaxGoroutines {
		return false
	}
	if g.cfg.CPURejectThreshold > 0 && g.CPUPercent() >= g.cfg.CPURejectThreshold {
		return false
	}
	return true
}

// AllowDispatch reports whether a job may be dispatched now under the
// configured rate limit (disabled unless a limit was configured).
func (g *Guard) AllowDispatch() bool {
	if g.dispatchLimiter == nil {
		return true
	}
	return g.dispatchLimiter.Allow()
}

// CPUPercent returns the most recently sampled CPU utilization.
func (g *Guard) CPUPercent() float64 {
	return float64frombits(g.currentCPU.Load())
}

// GoroutineCount returns the most recently sampled goroutine count.
func (g *Guard) GoroutineCount() int64 {
	return g.currentGorout.Load()
}

// StartMonitoring samples CPU utilization and goroutine count every
// interval until ctx is cancelled.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample()
		}
	}
}

func (g *Guard) sample() {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err == nil && len(percents) > 0 {
		g.currentCPU.Store(float64bits(percents[0]))
	}
	g.currentGorout.Store(int64(runtime.NumGoroutine()))
}
