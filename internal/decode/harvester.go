package decode

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/surveyforge/internal/pipeline"
	"github.com/Sumatoshi-tech/surveyforge/internal/survey"
)

// DefaultHarvestInterval is how often the harvester rescans the registry when
// no section is ready.
const DefaultHarvestInterval = 10 * time.Millisecond

// Sink receives harvested values. Pipeline queues and nodes both satisfy it.
type Sink interface {
	Put(v any)
}

// Harvester streams ready sections from a Registry into a pipeline sink. It
// is the external producer for the downstream node: SectionWork values flow
// while surveys are in flight, finished surveys are forwarded whole, and one
// stop token terminates the stream when the harvester shuts down.
type Harvester struct {
	reg      *Registry
	out      Sink
	interval time.Duration
	logger   *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHarvester creates a harvester feeding out from reg. A non-positive
// interval means DefaultHarvestInterval.
func NewHarvester(reg *Registry, out Sink, interval time.Duration, logger *slog.Logger) *Harvester {
	if interval <= 0 {
		interval = DefaultHarvestInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Harvester{
		reg:      reg,
		out:      out,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches the harvest loop. The loop exits on Stop or when ctx is
// cancelled.
func (h *Harvester) Start(ctx context.Context) {
	h.wg.Add(1)

	go h.run(ctx)
}

// Stop ends the harvest loop, waits for it, and puts one stop token so the
// downstream node sees its external producer finish. Idempotent.
func (h *Harvester) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.wg.Wait()
		h.out.Put(pipeline.StopValue())
	})
}

func (h *Harvester) run(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		ready, finished := h.reg.harvest()

		for _, work := range ready {
			h.out.Put(work)
		}

		for _, s := range finished {
			h.logger.Debug("survey decode finished",
				slog.String("task_id", s.TaskID),
				slog.Int("sections", s.Content.Len()))
			h.out.Put(s)
		}

		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Finished reports whether v is a completed survey emitted by the harvester,
// as opposed to per-section work.
func Finished(v any) (*survey.Survey, bool) {
	s, ok := v.(*survey.Survey)
	if !ok || !s.Finished {
		return nil, false
	}

	return s, true
}
