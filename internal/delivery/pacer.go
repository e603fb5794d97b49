// Package delivery sends segmented replies through a channel with a
// human-like cadence.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"leadbot/internal/domain"
	"leadbot/internal/logging"
	"leadbot/internal/metrics"
)

const (
	DefaultInitialMin = 6 * time.Second
	DefaultInitialMax = 15 * time.Second
	DefaultBetween    = 3 * time.Second
)

// Pacer delivers blocks strictly in order: a random initial wait, then one
// send per block with a fixed gap between consecutive sends.
type Pacer struct {
	sender     domain.Sender
	clock      clockwork.Clock
	limiter    *rate.Limiter
	initialMin time.Duration
	initialMax time.Duration
	between    time.Duration
	jitter     func(n int64) int64
	logger     *slog.Logger
}

type PacerConfig struct {
	Sender     domain.Sender
	Clock      clockwork.Clock // defaults to the real clock
	InitialMin time.Duration
	InitialMax time.Duration
	Between    time.Duration
	// SendsPerSecond caps the raw send rate of this pacer's channel; zero disables it.
	SendsPerSecond float64
	// NoDelay skips the initial wait and the gaps (used by the CLI).
	NoDelay bool
	Logger  *slog.Logger
}

// Report describes a completed delivery.
type Report struct {
	Channel   string
	Delivered int
	Results   []domain.SendResult
	Elapsed   time.Duration
}

func NewPacer(cfg PacerConfig) *Pacer {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if !cfg.NoDelay {
		if cfg.InitialMin <= 0 {
			cfg.InitialMin = DefaultInitialMin
		}
		if cfg.InitialMax <= cfg.InitialMin {
			cfg.InitialMax = max(cfg.InitialMin, DefaultInitialMax)
		}
		if cfg.Between <= 0 {
			cfg.Between = DefaultBetween
		}
	} else {
		cfg.InitialMin, cfg.InitialMax, cfg.Between = 0, 0, 0
	}
	p := &Pacer{
		sender:     cfg.Sender,
		clock:      cfg.Clock,
		initialMin: cfg.InitialMin,
		initialMax: cfg.InitialMax,
		between:    cfg.Between,
		jitter:     rand.Int64N,
		logger:     cfg.Logger.With(logging.Component("pacer"), logging.Channel(cfg.Sender.Name())),
	}
	if cfg.SendsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), 1)
	}
	return p
}

// InitialDelay draws the wait before the first block.
func (p *Pacer) InitialDelay() time.Duration {
	span := int64(p.initialMax - p.initialMin)
	if span <= 0 {
		return p.initialMin
	}
	return p.initialMin + time.Duration(p.jitter(span))
}

// Deliver sends blocks to the destination address. The first failing send
// aborts delivery; the returned *domain.DeliveryError tells how many blocks
// made it out. Blank blocks are skipped.
func (p *Pacer) Deliver(ctx context.Context, to string, blocks []string) (*Report, error) {
	pending := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if strings.TrimSpace(b) != "" {
			pending = append(pending, b)
		}
	}

	report := &Report{Channel: p.sender.Name()}
	if len(pending) == 0 {
		return report, nil
	}
	start := p.clock.Now()

	if err := p.wait(ctx, p.InitialDelay()); err != nil {
		return report, p.fail(report, len(pending), err)
	}

	for i, block := range pending {
		if i > 0 {
			if err := p.wait(ctx, p.between); err != nil {
				return report, p.fail(report, len(pending), err)
			}
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return report, p.fail(report, len(pending), err)
			}
		}

		res, err := p.sender.Send(ctx, to, block)
		if err != nil {
			return report, p.fail(report, len(pending), err)
		}
		if res != nil {
			report.Results = append(report.Results, *res)
		}
		report.Delivered++
		metrics.BlocksSent.WithLabelValues(report.Channel).Inc()
	}

	report.Elapsed = p.clock.Since(start)
	metrics.DeliveryDuration.WithLabelValues(report.Channel).Observe(report.Elapsed.Seconds())
	p.logger.Debug("delivery complete", logging.Blocks(len(pending)), logging.Duration(report.Elapsed))
	return report, nil
}

func (p *Pacer) fail(report *Report, total int, err error) error {
	metrics.DeliveryFailures.WithLabelValues(report.Channel).Inc()
	p.logger.Warn("delivery aborted",
		logging.Delivered(report.Delivered), logging.Blocks(total), logging.Err(err))
	return &domain.DeliveryError{
		Channel:   report.Channel,
		Delivered: report.Delivered,
		Total:     total,
		Err:       fmt.Errorf("block %d: %w", report.Delivered, err),
	}
}

func (p *Pacer) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.clock.After(d):
		return nil
	}
}
