// Package subscription is the Subscription Store (spec §4.4, "C4"): a
// durable SubscriptionId -> Offer|Demand mapping with an in-memory by-owner
// index, plus a background expiry sweep.
//
// Grounded on the teacher's resource_marketplace.go (ResourceListing
// registry keyed by id, with owner/time-bounded state) for the
// map-of-records-plus-secondary-index shape, generalized to the spec's
// Offer/Demand subscription lifecycle.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fluxmarket/node/internal/identity"
	"github.com/fluxmarket/node/internal/model"
	"github.com/fluxmarket/node/internal/store"
)

// ErrAlreadyUnsubscribed is returned by Unsubscribe on a subscription that
// is already Unsubscribed or Expired (spec §4.4: idempotent unsubscribe).
var ErrAlreadyUnsubscribed = fmt.Errorf("subscription: already unsubscribed")

var ErrNotFound = fmt.Errorf("subscription: not found")

const keyPrefix = "subscription/"

// Store is the subscription registry: every write goes to an
// internal/store.Store KV and to two in-memory maps, byID and byOwner,
// which are updated on each write. The maps are not rebuilt from the KV,
// so a new Store starts empty. There is no by-expiry or active-only index:
// expiry and activity filtering scan byID.
type Store struct {
	log *logrus.Entry
	kv  store.Store

	mu       sync.RWMutex
	byID     map[model.SubscriptionID]*model.Subscription
	byOwner  map[identity.NodeID]map[model.SubscriptionID]struct{}

	retention time.Duration
}

// New creates a Store backed by kv. retention is how long an Expired
// subscription remains readable for audit before it's eligible for
// permanent removal (spec §4.4).
func New(kv store.Store, retention time.Duration) *Store {
	return &Store{
		log:       logrus.WithField("component", "subscription"),
		kv:        kv,
		byID:      make(map[model.SubscriptionID]*model.Subscription),
		byOwner:   make(map[identity.NodeID]map[model.SubscriptionID]struct{}),
		retention: retention,
	}
}

// Subscribe persists a new Offer or Demand under sub.ID and indexes it by
// id and owner.
func (s *Store) Subscribe(ctx context.Context, sub *model.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("subscription: marshal %s: %w", sub.ID, err)
	}
	if err := s.kv.Set(ctx, []byte(keyPrefix+string(sub.ID)), raw); err != nil {
		return fmt.Errorf("subscription: persist %s: %w", sub.ID, err)
	}

	s.mu.Lock()
	s.byID[sub.ID] = sub
	if s.byOwner[sub.Owner] == nil {
		s.byOwner[sub.Owner] = make(map[model.SubscriptionID]struct{})
	}
	s.byOwner[sub.Owner][sub.ID] = struct{}{}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"id": sub.ID, "owner": sub.Owner}).Debug("subscribed")
	return nil
}

// Unsubscribe marks id Unsubscribed. Idempotent: calling it again on an
// already Unsubscribed or Expired subscription returns
// ErrAlreadyUnsubscribed rather than mutating state twice (spec §4.4).
func (s *Store) Unsubscribe(ctx context.Context, id model.SubscriptionID) error {
	s.mu.Lock()
	sub, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if sub.State != model.SubscriptionActive {
		s.mu.Unlock()
		return ErrAlreadyUnsubscribed
	}
	sub.State = model.SubscriptionUnsubscribed
	s.mu.Unlock()

	return s.persist(ctx, sub)
}

func (s *Store) persist(ctx context.Context, sub *model.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("subscription: marshal %s: %w", sub.ID, err)
	}
	return s.kv.Set(ctx, []byte(keyPrefix+string(sub.ID)), raw)
}

// Get returns the subscription for id, including Expired/Unsubscribed ones
// (spec §4.4: "remain readable for audit until a retention cutoff").
func (s *Store) Get(id model.SubscriptionID) (*model.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub, nil
}

// ListActiveAfter returns active subscriptions of kind created after
// cursor, ordered by CreatedAt (spec §4.4's list_active_after(cursor)).
func (s *Store) ListActiveAfter(kind model.SubscriptionKind, cursor time.Time, now time.Time) []*model.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Subscription
	for _, sub := range s.byID {
		if sub.Kind != kind {
			continue
		}
		if !sub.Active(now) {
			continue
		}
		if !sub.CreatedAt.After(cursor) {
			continue
		}
		out = append(out, sub)
	}
	sortByCreatedAt(out)
	return out
}

// ByOwner returns all subscriptions (any state) owned by owner.
func (s *Store) ByOwner(owner identity.NodeID) []*model.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byOwner[owner]
	out := make([]*model.Subscription, 0, len(ids))
	for id := range ids {
		out = append(out, s.byID[id])
	}
	sortByCreatedAt(out)
	return out
}

func sortByCreatedAt(subs []*model.Subscription) {
	for i := 1; i < len(subs); i++ {
		for j := i; j > 0 && subs[j-1].CreatedAt.After(subs[j].CreatedAt); j-- {
			subs[j-1], subs[j] = subs[j], subs[j-1]
		}
	}
}

// SweepExpired transitions any Active subscription whose ExpiresAt has
// passed into Expired, and permanently forgets any Expired/Unsubscribed
// subscription whose retention window has elapsed. Intended to be called
// periodically by Run.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var toPersist []*model.Subscription
	var toForget []model.SubscriptionID
	for id, sub := range s.byID {
		switch sub.State {
		case model.SubscriptionActive:
			if !now.Before(sub.ExpiresAt) {
				sub.State = model.SubscriptionExpired
				toPersist = append(toPersist, sub)
			}
		case model.SubscriptionExpired, model.SubscriptionUnsubscribed:
			if s.retention > 0 && now.Sub(sub.ExpiresAt) > s.retention {
				toForget = append(toForget, id)
			}
		}
	}
	for _, id := range toForget {
		sub := s.byID[id]
		delete(s.byID, id)
		if owned := s.byOwner[sub.Owner]; owned != nil {
			delete(owned, id)
		}
	}
	s.mu.Unlock()

	for _, sub := range toPersist {
		if err := s.persist(ctx, sub); err != nil {
			s.log.WithError(err).WithField("id", sub.ID).Warn("failed to persist expiry transition")
		}
	}
	for _, id := range toForget {
		if err := s.kv.Delete(ctx, []byte(keyPrefix+string(id))); err != nil {
			s.log.WithError(err).WithField("id", id).Warn("failed to forget retired subscription")
		}
		s.log.WithField("id", id).Debug("forgot retired subscription")
	}
}

// Run drives the background expiry sweep at the given interval until ctx is
// cancelled (spec §4.4: "Expiry is swept by a background task").
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepExpired(ctx, now)
		}
	}
}
