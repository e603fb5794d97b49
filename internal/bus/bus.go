// Package bus is the in-process queue between inbound channels and the
// message processor.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"leadbot/internal/domain"
	"leadbot/internal/logging"
)

const defaultPublishTimeout = 10 * time.Second

// InMemoryBus is a Go-channel based message bus.
type InMemoryBus struct {
	inbound        chan domain.InboundMessage
	mu             sync.RWMutex
	closed         bool
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &InMemoryBus{
		inbound:        make(chan domain.InboundMessage, bufferSize),
		publishTimeout: defaultPublishTimeout,
		logger:         logger.With(logging.Component("bus")),
	}
}

// Publish blocks up to the publish timeout if the bus is full instead of
// dropping right away.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", logging.Channel(msg.Channel))
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting", logging.Channel(msg.Channel))
		timer := time.NewTimer(b.publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("message delivered after wait", logging.Channel(msg.Channel))
		case <-timer.C:
			b.logger.Error("message dropped: bus full", logging.Channel(msg.Channel), logging.Duration(b.publishTimeout))
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// Len is the number of queued messages.
func (b *InMemoryBus) Len() int {
	return len(b.inbound)
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
