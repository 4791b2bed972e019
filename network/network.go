package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	libp2pNetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/alphabill-org/consensus-observer/logger"
)

// readTimeout is how long the inbound stream handler waits for the sender.
const readTimeout = time.Second

type (
	// ReceivedMessage is a message received from the network together with its sender.
	ReceivedMessage struct {
		From peer.ID
		Msg  any
	}

	// outbound describes how messages of a Go type are sent.
	outbound struct {
		protocolID string
		msgType    any           // zero value of the message struct
		timeout    time.Duration // applies to each receiver separately
	}

	// inbound describes a protocol the network accepts messages on.
	inbound struct {
		protocolID string
		newMsg     func() any // returns pointer to struct the message is decoded into
	}

	route struct {
		protocolID string
		timeout    time.Duration
	}

	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}
)

/*
LibP2PNetwork exchanges CBOR encoded messages with other peers. Every message
type travels on its own libp2p protocol.

Use NewLibP2PObserverNetwork or NewLibP2PPublisherNetwork to create one.
*/
type LibP2PNetwork struct {
	self     *Peer
	routes   map[reflect.Type]route
	received chan ReceivedMessage
	tracer   trace.Tracer
	log      *slog.Logger
}

/*
newLibP2PNetwork returns network with no protocols registered. Up to "capacity"
received messages are buffered for the consumer, the rest is dropped.
*/
func newLibP2PNetwork(self *Peer, capacity uint, obs Observability) (*LibP2PNetwork, error) {
	if self == nil {
		return nil, errors.New("peer is nil")
	}
	return &LibP2PNetwork{
		self:     self,
		routes:   make(map[reflect.Type]route),
		received: make(chan ReceivedMessage, capacity),
		tracer:   obs.Tracer("network"),
		log:      obs.Logger(),
	}, nil
}

func (n *LibP2PNetwork) ReceivedChannel() <-chan ReceivedMessage {
	return n.received
}

/*
Send delivers msg to all the receivers. It fails only when the message
couldn't be delivered to any of them.
*/
func (n *LibP2PNetwork) Send(ctx context.Context, msg any, receivers ...peer.ID) error {
	if len(receivers) == 0 {
		return errors.New("at least one receiver ID must be provided")
	}
	r, ok := n.routes[reflect.TypeOf(msg)]
	if !ok {
		return fmt.Errorf("no protocol registered for messages of type %T", msg)
	}

	ctx, span := n.tracer.Start(ctx, "network.Send", trace.WithAttributes(attribute.String("protocol", r.protocolID), attribute.Int("receivers", len(receivers))))
	defer span.End()

	data, err := serializeMsg(msg)
	if err != nil {
		return fmt.Errorf("sending message: serializing message: %w", err)
	}

	var (
		mu     sync.Mutex
		failed []error
		wg     sync.WaitGroup
	)
	for _, to := range receivers {
		// libp2p refuses to dial self
		if to == n.self.ID() {
			n.deliver(n.self.ID(), r.protocolID, msg)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			if err := n.write(sendCtx, to, r.protocolID, data); err != nil {
				mu.Lock()
				failed = append(failed, fmt.Errorf("sending to %s: %w", to, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) == len(receivers) {
		return fmt.Errorf("sending message: send failed: %w", errors.Join(failed...))
	}
	for _, err := range failed {
		n.log.DebugContext(ctx, "partial send failure", logger.Error(err))
	}
	return nil
}

func (n *LibP2PNetwork) write(ctx context.Context, to peer.ID, protocolID string, data []byte) error {
	s, err := n.self.CreateStream(ctx, to, protocolID)
	if err != nil {
		return fmt.Errorf("open p2p stream: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.SetWriteDeadline(deadline); err != nil {
			n.log.DebugContext(ctx, "setting stream write deadline", logger.Error(err))
		}
	}
	if _, err := s.Write(data); err != nil {
		err = fmt.Errorf("writing data to p2p stream: %w", err)
		// reset closes both ends so the failure doesn't leak into the next stream
		if rErr := s.Reset(); rErr != nil {
			err = errors.Join(err, fmt.Errorf("stream reset: %w", rErr))
		}
		return err
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("closing p2p stream: %w", err)
	}
	return nil
}

// handler decodes messages from inbound stream until EOF.
func (n *LibP2PNetwork) handler(in inbound) libp2pNetwork.StreamHandler {
	return func(s libp2pNetwork.Stream) {
		from := s.Conn().RemotePeer()
		if err := n.readAll(s, from, in); err != nil {
			n.log.Warn(fmt.Sprintf("reading %q stream", in.protocolID), logger.PeerID(from), logger.Error(err))
			if err := s.Reset(); err != nil {
				n.log.Debug("resetting stream", logger.Error(err))
			}
			return
		}
		if err := s.Close(); err != nil {
			n.log.Debug("closing stream", logger.Error(err))
		}
	}
}

func (n *LibP2PNetwork) readAll(s libp2pNetwork.Stream, from peer.ID, in inbound) error {
	if err := s.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return fmt.Errorf("setting read deadline: %w", err)
	}
	r := bufio.NewReader(s)
	for {
		msg := in.newMsg()
		switch err := deserializeMsg(r, msg); {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}
		n.deliver(from, in.protocolID, msg)
	}
}

func (n *LibP2PNetwork) deliver(from peer.ID, protocolID string, msg any) {
	select {
	case n.received <- ReceivedMessage{From: from, Msg: msg}:
	default:
		n.log.Warn(fmt.Sprintf("dropping %s message from %s, consumer is too slow", protocolID, from))
	}
}

// accept registers stream handlers for the inbound protocols.
func (n *LibP2PNetwork) accept(protocols ...inbound) error {
	if len(protocols) == 0 {
		return errors.New("at least one protocol description must be given")
	}
	registered := n.self.host.Mux().Protocols()
	for _, p := range protocols {
		if err := p.validate(); err != nil {
			return fmt.Errorf("registering protocol %q: %w", p.protocolID, err)
		}
		if slices.Contains(registered, protocol.ID(p.protocolID)) {
			return fmt.Errorf("registering protocol %q: protocol %q is already registered", p.protocolID, p.protocolID)
		}
		n.self.RegisterProtocolHandler(p.protocolID, n.handler(p))
	}
	return nil
}

// routeTo maps message types to the outbound protocols, both value and pointer type are mapped.
func (n *LibP2PNetwork) routeTo(protocols ...outbound) error {
	if len(protocols) == 0 {
		return errors.New("at least one protocol description must be given")
	}
	for _, p := range protocols {
		typ, err := p.validate()
		if err != nil {
			return fmt.Errorf("registering protocol %q: %w", p.protocolID, err)
		}
		if r, ok := n.routes[typ]; ok {
			return fmt.Errorf("registering protocol %q: data type %s has been already registered for protocol %s", p.protocolID, typ, r.protocolID)
		}
		r := route{protocolID: p.protocolID, timeout: p.timeout}
		n.routes[typ] = r
		n.routes[reflect.PointerTo(typ)] = r
	}
	return nil
}

func (p inbound) validate() error {
	if p.protocolID == "" {
		return errors.New("protocol ID must be assigned")
	}
	if p.newMsg == nil {
		return errors.New("data struct constructor must be assigned")
	}
	msg := p.newMsg()
	if msg == nil {
		return errors.New("data struct constructor returns nil")
	}
	if typ := reflect.TypeOf(msg); typ.Kind() != reflect.Pointer || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("data struct constructor must return pointer to struct but returns %s", typ)
	}
	if reflect.ValueOf(msg).IsNil() {
		return errors.New("data struct constructor returns uninitialized pointer")
	}
	return nil
}

func (p outbound) validate() (reflect.Type, error) {
	if p.protocolID == "" {
		return nil, errors.New("protocol ID must be assigned")
	}
	if p.timeout < 0 {
		return nil, fmt.Errorf("negative duration is not allowed for timeout, got %s", p.timeout)
	}
	typ := reflect.TypeOf(p.msgType)
	if typ == nil {
		return nil, errors.New("message data type must be assigned")
	}
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("message data type must be struct, got %T", p.msgType)
	}
	return typ, nil
}
