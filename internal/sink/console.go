package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"firestige.xyz/tcpfollow/internal/core"
	"firestige.xyz/tcpfollow/internal/metrics"
)

const consoleName = "console"

// ConsoleConfig controls console output.
type ConsoleConfig struct {
	Format   string // text | json; default text
	MaxBytes int    // payload bytes printed per data event; 0 = all
}

// Console writes human-readable or JSON lines to a writer.
type Console struct {
	mu       sync.Mutex
	out      *bufio.Writer
	json     bool
	maxBytes int
	written  uint64
}

// NewConsole returns a console sink writing to w.
func NewConsole(cfg ConsoleConfig, w io.Writer) (*Console, error) {
	c := &Console{out: bufio.NewWriter(w), maxBytes: cfg.MaxBytes}
	switch cfg.Format {
	case "", "text":
	case "json":
		c.json = true
	default:
		return nil, fmt.Errorf("%w: invalid console format %q, must be json or text", core.ErrConfigInvalid, cfg.Format)
	}
	if cfg.MaxBytes < 0 {
		return nil, fmt.Errorf("%w: console max_bytes must not be negative", core.ErrConfigInvalid)
	}
	return c, nil
}

// Name returns "console".
func (c *Console) Name() string { return consoleName }

// Write formats one event.
func (c *Console) Write(_ context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}
	out := *ev
	if c.maxBytes > 0 && len(out.Payload) > c.maxBytes {
		out.Payload = out.Payload[:c.maxBytes]
		out.Truncated = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.json {
		err = c.writeJSON(&out)
	} else {
		err = c.writeText(&out)
	}
	if err != nil {
		metrics.SinkErrorsTotal.WithLabelValues(consoleName).Inc()
		return err
	}
	c.written++
	metrics.SinkEventsTotal.WithLabelValues(consoleName, string(ev.Kind)).Inc()
	return c.out.Flush()
}

func (c *Console) writeJSON(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	data = append(data, '\n')
	_, err = c.out.Write(data)
	return err
}

func (c *Console) writeText(ev *Event) error {
	var err error
	switch ev.Kind {
	case KindOpen:
		_, err = fmt.Fprintf(c.out, "[+] New connection %s - %s (%s)\n", ev.Client, ev.Server, ev.Origin)
	case KindData:
		src, dst := ev.Client, ev.Server
		if ev.Direction != "" && ev.Direction != DirClientToServer {
			src, dst = dst, src
		}
		suffix := ""
		if ev.Truncated {
			suffix = " (truncated)"
		}
		_, err = fmt.Fprintf(c.out, "%s >> %s: \n%s%s\n", src, dst, ev.Payload, suffix)
	case KindState:
		_, err = fmt.Fprintf(c.out, "[~] %s - %s: %s -> %s\n", ev.Client, ev.Server, ev.From, ev.To)
	case KindClose:
		_, err = fmt.Fprintf(c.out, "[+] Connection closed: %s - %s (%s, %d/%d bytes)\n",
			ev.Client, ev.Server, ev.Reason, ev.ClientBytes, ev.ServerBytes)
	default:
		err = fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return err
}

// Flush writes buffered output.
func (c *Console) Flush(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Flush()
}

// Close flushes and logs the event count.
func (c *Console) Close() error {
	err := c.Flush(context.Background())
	slog.Debug("console sink closed", "events", c.written)
	return err
}
