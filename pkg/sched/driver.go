package sched

import (
	"context"
	"time"

	"github.com/arzzra/switchcore/pkg/logging"
)

// DefaultTickInterval период тика по умолчанию
const DefaultTickInterval = time.Second

// Driver вызывает Tick с заданным периодом. Частота тиков решается здесь,
// а не в планировщике.
type Driver struct {
	sched    *Scheduler
	interval time.Duration
	logger   logging.StructuredLogger
}

// NewDriver создает драйвер тиков
func NewDriver(s *Scheduler, interval time.Duration, logger logging.StructuredLogger) *Driver {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Driver{sched: s, interval: interval, logger: logger.WithComponent("sched-driver")}
}

// Interval период тика
func (d *Driver) Interval() time.Duration {
	return d.interval
}

// Run тикает до отмены ctx
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info(ctx, "драйвер планировщика запущен", logging.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info(context.Background(), "драйвер планировщика остановлен")
			return ctx.Err()
		case <-ticker.C:
			if n := d.sched.Tick(); n > 0 {
				d.logger.Trace(ctx, "тик", logging.Int("fired", n), logging.Int("active", d.sched.Active()))
			}
		}
	}
}
