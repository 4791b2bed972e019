/*
Package reconfig delivers on-chain configuration of a new epoch to the
components which need it when the epoch starts.
*/
package reconfig

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrConfigNotFound = errors.New("config not found")
	ErrSourceClosed   = errors.New("reconfiguration source is closed")
)

// Notification carries the configs of the epoch, encoded as CBOR and keyed by config name.
type Notification struct {
	_       struct{}                   `cbor:",toarray"`
	Epoch   uint64                     `json:"epoch"`
	Configs map[string]cbor.RawMessage `json:"configs"`
}

// NewNotification encodes the configs, nil config values (including typed nil pointers) are skipped.
func NewNotification(epoch uint64, configs map[string]any) (*Notification, error) {
	n := &Notification{Epoch: epoch, Configs: make(map[string]cbor.RawMessage, len(configs))}
	for name, cfg := range configs {
		if isNil(cfg) {
			continue
		}
		data, err := cbor.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("encoding config %q: %w", name, err)
		}
		n.Configs[name] = data
	}
	return n, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// Get decodes config "name" into "v", returns ErrConfigNotFound when the notification doesn't have it.
func (n *Notification) Get(name string, v any) error {
	data, ok := n.Configs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrConfigNotFound, name)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding config %q: %w", name, err)
	}
	return nil
}

// Get is a typed wrapper of Notification.Get.
func Get[T any](n *Notification, name string) (*T, error) {
	v := new(T)
	if err := n.Get(name, v); err != nil {
		return nil, err
	}
	return v, nil
}

/*
Source is a stream of reconfiguration notifications. Next blocks until the
next notification is available, returns ErrSourceClosed when the stream has
ended.
*/
type Source interface {
	Next(ctx context.Context) (*Notification, error)
}

/*
Channel is a Source backed by buffered channel, Publish adds notifications to
the stream.
*/
type Channel struct {
	ch   chan *Notification
	done chan struct{}
}

func NewChannel(size int) *Channel {
	return &Channel{
		ch:   make(chan *Notification, size),
		done: make(chan struct{}),
	}
}

func (c *Channel) Publish(ctx context.Context, n *Notification) error {
	select {
	case <-c.done:
		return ErrSourceClosed
	default:
	}
	select {
	case c.ch <- n:
		return nil
	case <-c.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Next(ctx context.Context) (*Notification, error) {
	select {
	case n := <-c.ch:
		return n, nil
	case <-c.done:
		return nil, ErrSourceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the stream, notifications which have not been read yet are discarded.
func (c *Channel) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
