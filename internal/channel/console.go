package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"leadbot/internal/domain"
)

// Console prints outbound blocks to a terminal instead of a messaging
// provider. It is the sender behind `leadbot send` previews.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	seq atomic.Int64
}

type ConsoleConfig struct {
	Out io.Writer
}

func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Console{out: cfg.Out}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(ctx context.Context, to string, text string) (*domain.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.seq.Add(1)
	if _, err := fmt.Fprintf(c.out, "--- to %s (#%d) ---\n%s\n", to, n, text); err != nil {
		return nil, err
	}
	return &domain.SendResult{Channel: c.Name(), MessageID: strconv.FormatInt(n, 10), Status: "printed"}, nil
}
