package batch

import (
	"fmt"
	"time"
)

// ProgressTracker estimates progress through a fixed number of units
type ProgressTracker struct {
	total     int
	startTime time.Time
}

// NewProgressTracker creates a tracker for total units
func NewProgressTracker(total int) *ProgressTracker {
	return &ProgressTracker{total: total, startTime: time.Now()}
}

// Progress is a point-in-time progress estimate
type Progress struct {
	Done       int
	Total      int
	Percentage float64
	Elapsed    time.Duration
	ETA        time.Duration
	Throughput float64 // units per second
}

// Calculate returns the estimate after done units
func (p *ProgressTracker) Calculate(done int) Progress {
	return p.calculate(done, time.Since(p.startTime))
}

func (p *ProgressTracker) calculate(done int, elapsed time.Duration) Progress {
	var percentage, throughput float64
	var eta time.Duration

	if p.total > 0 {
		percentage = float64(done) / float64(p.total) * 100
	}
	if elapsed > 0 {
		throughput = float64(done) / elapsed.Seconds()
	}
	if throughput > 0 && done < p.total {
		eta = time.Duration(float64(p.total-done) / throughput * float64(time.Second))
	}

	return Progress{
		Done:       done,
		Total:      p.total,
		Percentage: percentage,
		Elapsed:    elapsed.Round(time.Second),
		ETA:        eta.Round(time.Second),
		Throughput: throughput,
	}
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats units per second
func FormatThroughput(perSec float64) string {
	if perSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", perSec/1_000)
	}
	if perSec >= 1 {
		return fmt.Sprintf("%.1f/s", perSec)
	}
	if perSec > 0 {
		return fmt.Sprintf("%.1f/min", perSec*60)
	}
	return "0/s"
}
