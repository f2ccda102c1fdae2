// Package sink delivers connection events to an output.
package sink

import (
	"context"
	"fmt"
	"io"
	"time"

	"firestige.xyz/tcpfollow/internal/core"
)

// Kind classifies an event.
type Kind string

const (
	KindOpen  Kind = "open"
	KindData  Kind = "data"
	KindState Kind = "state"
	KindClose Kind = "close"
)

// Direction values of data events.
const (
	DirClientToServer = "client->server"
	DirServerToClient = "server->client"
)

// Event is one observation about a followed connection. Sinks must not
// retain Payload after Write returns.
type Event struct {
	Kind       Kind      `json:"kind"`
	Connection string    `json:"connection"`
	Timestamp  time.Time `json:"timestamp"`
	Client     string    `json:"client"`
	Server     string    `json:"server"`
	Shard      int       `json:"shard"`

	Origin string `json:"origin,omitempty"` // open

	Direction string `json:"direction,omitempty"` // data
	Payload   []byte `json:"payload,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`

	From string `json:"from,omitempty"` // state
	To   string `json:"to,omitempty"`

	Reason      string `json:"reason,omitempty"` // close
	ClientBytes uint64 `json:"client_bytes,omitempty"`
	ServerBytes uint64 `json:"server_bytes,omitempty"`
}

// Sink consumes events. Write may be called from several goroutines.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev *Event) error
	Flush(ctx context.Context) error
	Close() error
}

// Config selects the output.
type Config struct {
	Type    string // console | kafka
	Console ConsoleConfig
	Kafka   KafkaConfig
}

// New builds the sink named by cfg.Type. Console output goes to w.
func New(cfg Config, w io.Writer) (Sink, error) {
	switch cfg.Type {
	case "", consoleName:
		return NewConsole(cfg.Console, w)
	case kafkaName:
		return NewKafka(cfg.Kafka)
	default:
		return nil, fmt.Errorf("%w: unknown output type %q", core.ErrConfigInvalid, cfg.Type)
	}
}
