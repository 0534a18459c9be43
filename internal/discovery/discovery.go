// Package discovery gossips provider offers over the service bus (spec
// §4.5, "C5"): two broadcast channels (new offers, unsubscribed offers)
// plus a pull-on-miss unicast RetrieveOffers RPC. Demands are never
// gossiped — only requestors initiate contact, by discovering offers.
//
// Grounded on the teacher's resource_marketplace.go broadcast-and-cache
// idiom (listings announced, peers pull full detail on demand),
// generalized to the bounded dedup queues spec §4.5 requires.
package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxmarket/node/internal/gsb"
	"github.com/fluxmarket/node/internal/identity"
	"github.com/fluxmarket/node/internal/model"
)

const (
	topicOffers             = "offers"
	topicUnsubscribedOffers = "offers.unsubscribed"
	addressRetrieveOffers   = "/public/discovery/retrieve_offers"
)

// OfferSource supplies the local set of offers discovery gossips and serves
// RetrieveOffers pulls.
type OfferSource interface {
	Get(id model.SubscriptionID) (*model.Subscription, error)
	ListActiveAfter(kind model.SubscriptionKind, cursor time.Time, now time.Time) []*model.Subscription
}

// OfferSink receives offers learned from a remote node, either via gossip
// id + pull, or via a direct RetrieveOffers response.
type OfferSink interface {
	Subscribe(ctx context.Context, sub *model.Subscription) error
	Unsubscribe(ctx context.Context, id model.SubscriptionID) error
}

// Config tunes gossip cadence and bounded queues (spec §4.5).
type Config struct {
	Fanout                int
	BroadcastInterval     time.Duration
	MaxBcastedOffers      int
	MaxBcastedUnsubscribes int
}

func (c Config) withDefaults() Config {
	if c.Fanout == 0 {
		c.Fanout = 8
	}
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = 5 * time.Second
	}
	if c.MaxBcastedOffers == 0 {
		c.MaxBcastedOffers = 1000
	}
	if c.MaxBcastedUnsubscribes == 0 {
		c.MaxBcastedUnsubscribes = 1000
	}
	return c
}

// Discovery is the gossip+pull discovery actor.
type Discovery struct {
	log    *logrus.Entry
	bus    *gsb.Bus
	source OfferSource
	sink   OfferSink
	self   identity.NodeID
	cfg    Config

	mu              sync.Mutex
	knownIDs        map[model.SubscriptionID]struct{}
	pendingOffers   dedupQueue
	pendingUnsubs   dedupQueue
}

// dedupQueue is a bounded FIFO of ids, deduplicated by id (spec §4.5).
type dedupQueue struct {
	order []model.SubscriptionID
	seen  map[model.SubscriptionID]struct{}
	max   int
}

func newDedupQueue(max int) dedupQueue {
	return dedupQueue{seen: make(map[model.SubscriptionID]struct{}), max: max}
}

func (q *dedupQueue) push(id model.SubscriptionID) {
	if _, ok := q.seen[id]; ok {
		return
	}
	q.seen[id] = struct{}{}
	q.order = append(q.order, id)
	for len(q.order) > q.max {
		oldest := q.order[0]
		q.order = q.order[1:]
		delete(q.seen, oldest)
	}
}

func (q *dedupQueue) drain() []model.SubscriptionID {
	out := q.order
	q.order = nil
	q.seen = make(map[model.SubscriptionID]struct{})
	return out
}

// New creates a Discovery actor. bus is used for both broadcast and the
// unicast RetrieveOffers RPC; New binds the RetrieveOffers handler.
func New(bus *gsb.Bus, self identity.NodeID, source OfferSource, sink OfferSink, cfg Config) *Discovery {
	d := &Discovery{
		log:           logrus.WithField("component", "discovery"),
		bus:           bus,
		source:        source,
		sink:          sink,
		self:          self,
		cfg:           cfg.withDefaults(),
		knownIDs:      make(map[model.SubscriptionID]struct{}),
		pendingOffers: newDedupQueue(cfg.withDefaults().MaxBcastedOffers),
		pendingUnsubs: newDedupQueue(cfg.withDefaults().MaxBcastedUnsubscribes),
	}
	bus.Bind(addressRetrieveOffers, d.handleRetrieveOffers)
	return d
}

// AnnounceOffer queues a newly subscribed offer id for the next gossip
// cycle (spec §4.5: new ids are broadcast via OffersBcast).
func (d *Discovery) AnnounceOffer(id model.SubscriptionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingOffers.push(id)
}

// AnnounceUnsubscribe queues a withdrawn offer id for the next
// UnsubscribedOffersBcast cycle.
func (d *Discovery) AnnounceUnsubscribe(id model.SubscriptionID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingUnsubs.push(id)
}

// Run drives the cyclic broadcast loop until ctx is cancelled (spec §4.5:
// "cyclic broadcast intervals are configuration").
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.broadcastCycle(ctx)
		}
	}
}

func (d *Discovery) broadcastCycle(ctx context.Context) {
	d.mu.Lock()
	offerIDs := d.pendingOffers.drain()
	unsubIDs := d.pendingUnsubs.drain()
	d.mu.Unlock()

	if len(offerIDs) > 0 {
		d.broadcastIDs(ctx, topicOffers, offerIDs)
	}
	if len(unsubIDs) > 0 {
		d.broadcastIDs(ctx, topicUnsubscribedOffers, unsubIDs)
	}
}

func (d *Discovery) broadcastIDs(ctx context.Context, topic string, ids []model.SubscriptionID) {
	raw, err := json.Marshal(ids)
	if err != nil {
		d.log.WithError(err).Warn("failed to marshal id batch")
		return
	}
	if err := d.bus.Broadcast(ctx, topic, d.self, raw, d.cfg.Fanout); err != nil {
		d.log.WithError(err).WithField("topic", topic).Debug("broadcast failed")
	}
}

// HandleOffersBcast processes an inbound OffersBcast message: any id not
// already known locally triggers a RetrieveOffers pull from the sender.
func (d *Discovery) HandleOffersBcast(ctx context.Context, msg gsb.BroadcastMessage) {
	var ids []model.SubscriptionID
	if err := json.Unmarshal(msg.Data, &ids); err != nil {
		d.log.WithError(err).Debug("malformed OffersBcast payload")
		return
	}
	var unknown []model.SubscriptionID
	d.mu.Lock()
	for _, id := range ids {
		if _, ok := d.knownIDs[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	d.mu.Unlock()
	if len(unknown) == 0 {
		return
	}
	d.pullOffers(ctx, msg.Caller, unknown)
}

// HandleUnsubscribedOffersBcast unsubscribes any locally-cached ids the
// sender reports as withdrawn.
func (d *Discovery) HandleUnsubscribedOffersBcast(ctx context.Context, msg gsb.BroadcastMessage) {
	var ids []model.SubscriptionID
	if err := json.Unmarshal(msg.Data, &ids); err != nil {
		d.log.WithError(err).Debug("malformed UnsubscribedOffersBcast payload")
		return
	}
	for _, id := range ids {
		if err := d.sink.Unsubscribe(ctx, id); err != nil {
			d.log.WithError(err).WithField("id", id).Debug("unsubscribe from gossip failed")
		}
	}
}

// pullOffers calls RetrieveOffers(ids) on remoteNode and subscribes
// whatever full bodies come back locally.
func (d *Discovery) pullOffers(ctx context.Context, remoteNode identity.NodeID, ids []model.SubscriptionID) {
	req, err := json.Marshal(ids)
	if err != nil {
		return
	}
	address := gsb.NetAddress(string(remoteNode), "discovery/retrieve_offers")
	out, err := d.bus.CallAggregate(ctx, address, d.self, req)
	if err != nil {
		d.log.WithError(err).WithField("peer", remoteNode).Debug("RetrieveOffers failed")
		return
	}
	var offers []*model.Subscription
	if err := json.Unmarshal(out, &offers); err != nil {
		d.log.WithError(err).Debug("malformed RetrieveOffers response")
		return
	}
	for _, o := range offers {
		if err := d.sink.Subscribe(ctx, o); err != nil {
			d.log.WithError(err).WithField("id", o.ID).Debug("failed to absorb retrieved offer")
			continue
		}
		d.mu.Lock()
		d.knownIDs[o.ID] = struct{}{}
		d.mu.Unlock()
	}
}

// handleRetrieveOffers answers a remote RetrieveOffers(ids) pull with the
// locally-known full bodies for any ids we have.
func (d *Discovery) handleRetrieveOffers(ctx context.Context, caller identity.NodeID, address string, payload []byte) <-chan gsb.Chunk {
	ch := make(chan gsb.Chunk, 1)
	go func() {
		defer close(ch)
		var ids []model.SubscriptionID
		if err := json.Unmarshal(payload, &ids); err != nil {
			ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyBadRequest}
			return
		}
		var found []*model.Subscription
		for _, id := range ids {
			sub, err := d.source.Get(id)
			if err != nil {
				continue
			}
			if sub.Kind != model.KindOffer {
				continue // demands are never gossiped or served here (spec §4.5)
			}
			found = append(found, sub)
		}
		raw, err := json.Marshal(found)
		if err != nil {
			ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.ServiceFailure}
			return
		}
		ch <- gsb.Chunk{Type: gsb.Full, Code: gsb.CallReplyOk, Data: raw}
	}()
	return ch
}
