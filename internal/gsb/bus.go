// Package gsb implements the service bus (spec §4.1, "C1"): addressed
// request/response RPC with partial-response streaming, plus best-effort
// bounded broadcast. It is modeled after the teacher's libp2p-backed Node
// (core/network.go) for the local registry shape, and after f49fc43a
// (renterd bus.go) for the "bus groups capability interfaces" idiom, with
// remote delivery delegated to a Transport (internal/overlay).
package gsb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fluxmarket/node/internal/identity"
)

// Chunk is one piece of a (possibly streamed) call response.
type Chunk struct {
	Data []byte
	Type ReplyType
	Code ReplyCode
}

// Handler answers one Call. It returns a channel the bus drains until
// closed; the last chunk sent before the channel is closed must be Full
// (handlers that don't stream send exactly one Full chunk). Handlers must
// poll ctx.Done() at suspension points to honor cancellation; they are not
// required to roll back already-committed effects (spec §4.1, §5).
type Handler func(ctx context.Context, caller identity.NodeID, address string, payload []byte) <-chan Chunk

// Transport delivers a call or broadcast to a remote node. internal/overlay
// implements this; a Bus with no Transport can only serve local addresses.
type Transport interface {
	Call(ctx context.Context, nodeID, address string, caller identity.NodeID, payload []byte) (<-chan Chunk, error)
	Broadcast(ctx context.Context, topic string, caller identity.NodeID, payload []byte, fanout int) error
}

// Bus is the local GSB endpoint: a registry of bound addresses plus
// broadcast topic subscribers.
type Bus struct {
	log       *logrus.Entry
	transport Transport

	mu       sync.RWMutex
	handlers map[string]Handler // exact-match on Address.Path after prefix classification

	topicMu sync.RWMutex
	topics  map[string][]chan BroadcastMessage
}

// BroadcastMessage is delivered to local topic subscribers.
type BroadcastMessage struct {
	Caller identity.NodeID
	Topic  string
	Data   []byte
}

func New(transport Transport) *Bus {
	return &Bus{
		log:       logrus.WithField("component", "gsb"),
		transport: transport,
		handlers:  make(map[string]Handler),
		topics:    make(map[string][]chan BroadcastMessage),
	}
}

// SetTransport wires the overlay in after construction, for the common
// startup order where the overlay itself needs the bus (as a LocalBus) to
// exist first.
func (b *Bus) SetTransport(transport Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = transport
}

// Bind registers handler for address (normally a "/public/..." path). Both
// the canonical address and its "/private/..." alias resolve to the same
// handler, per the open addressing question recorded in spec §9.
func (b *Bus) Bind(address string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[address] = h
	if parsed := ParseAddress(address); parsed.Public {
		b.handlers[PrivateAddress(parsed.Path)] = h
	}
}

func (b *Bus) Unbind(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, address)
	if parsed := ParseAddress(address); parsed.Public {
		delete(b.handlers, PrivateAddress(parsed.Path))
	}
}

func (b *Bus) lookup(address string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[address]
	return h, ok
}

// Call performs an addressed request/response RPC (spec §4.1). For local
// addresses it invokes the bound Handler directly; for "/net/{node}/..."
// addresses it delegates to Transport. The bus always delivers a reply or a
// typed *BusError to the caller.
func (b *Bus) Call(ctx context.Context, address string, caller identity.NodeID, payload []byte) (<-chan Chunk, error) {
	parsed := ParseAddress(address)
	if parsed.Remote {
		if b.transport == nil {
			return nil, &BusError{Kind: ErrNoEndpoint, Address: address}
		}
		ch, err := b.transport.Call(ctx, parsed.RemoteNode, parsed.Path, caller, payload)
		if err != nil {
			return nil, &BusError{Kind: ErrRemoteRefusal, Address: address, Cause: err}
		}
		return ch, nil
	}

	h, ok := b.lookup(address)
	if !ok {
		return nil, &BusError{Kind: ErrNoEndpoint, Address: address}
	}
	return h(ctx, caller, address, payload), nil
}

// CallAggregate drains a Call's response channel and concatenates all chunk
// payloads, returning an error for any error chunk (terminal) or for
// context cancellation (spec §4.1: "Cancellation is signalled by dropping
// the reply channel").
func (b *Bus) CallAggregate(ctx context.Context, address string, caller identity.NodeID, payload []byte) ([]byte, error) {
	ch, err := b.Call(ctx, address, caller, payload)
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		select {
		case <-ctx.Done():
			return nil, &BusError{Kind: ErrCancelled, Address: address, Cause: ctx.Err()}
		case chunk, open := <-ch:
			if !open {
				return out, nil
			}
			if chunk.Code != CallReplyOk {
				return nil, &BusError{Kind: ErrRemoteRefusal, Address: address, Cause: fmt.Errorf("reply code %d", chunk.Code)}
			}
			out = append(out, chunk.Data...)
			if chunk.Type == Full {
				return out, nil
			}
		}
	}
}

// Broadcast sends a best-effort message to up to fanout subscribers of
// topic, locally and (if a Transport is set) remotely (spec §4.1, §2).
func (b *Bus) Broadcast(ctx context.Context, topic string, caller identity.NodeID, payload []byte, fanout int) error {
	b.deliverLocal(topic, caller, payload, fanout)
	if b.transport != nil {
		if err := b.transport.Broadcast(ctx, topic, caller, payload, fanout); err != nil {
			b.log.WithError(err).WithField("topic", topic).Debug("broadcast transport delivery failed")
		}
	}
	return nil
}

func (b *Bus) deliverLocal(topic string, caller identity.NodeID, payload []byte, fanout int) {
	b.topicMu.RLock()
	subs := append([]chan BroadcastMessage(nil), b.topics[topic]...)
	b.topicMu.RUnlock()
	if fanout > 0 && fanout < len(subs) {
		subs = subs[:fanout]
	}
	msg := BroadcastMessage{Caller: caller, Topic: topic, Data: payload}
	for _, sub := range subs {
		select {
		case sub <- msg:
		default:
			b.log.WithField("topic", topic).Debug("broadcast subscriber queue full, dropping")
		}
	}
}

// Subscribe returns a bounded channel of future broadcasts on topic.
func (b *Bus) Subscribe(topic string, buffer int) <-chan BroadcastMessage {
	ch := make(chan BroadcastMessage, buffer)
	b.topicMu.Lock()
	b.topics[topic] = append(b.topics[topic], ch)
	b.topicMu.Unlock()
	return ch
}

// NewRequestID generates a random request-id for the in-flight call table
// (spec §4.2).
func NewRequestID() string {
	return uuid.NewString()
}
