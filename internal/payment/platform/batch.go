package platform

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fluxmarket/node/internal/model"
)

// PayableDocument is a debit note or invoice waiting to be grouped into a
// batch transaction (spec §4.13 supplement, grounded on
// original_source/core/payment/src/dao/batch.rs).
type PayableDocument struct {
	Kind     model.BatchDocumentKind
	ID       string
	Payer    string
	Payee    string
	Platform PlatformName
	Amount   decimal.Decimal
}

// BatchPlanner groups pending payable documents into one model.BatchOrder
// per (payer, platform), with one item per payee, so one
// on-chain transaction settles many documents at once (spec §4.13).
type BatchPlanner struct {
	mu      sync.Mutex
	pending []PayableDocument
}

func NewBatchPlanner() *BatchPlanner {
	return &BatchPlanner{}
}

// Enqueue adds doc to the pending set awaiting the next Plan call.
func (b *BatchPlanner) Enqueue(doc PayableDocument) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, doc)
}

type groupKey struct {
	payer    string
	platform PlatformName
}

// Plan drains every pending document and returns one BatchOrder per
// (payer, platform) pair, each carrying one item per distinct payee within
// that group (spec §4.13).
func (b *BatchPlanner) Plan() []*model.BatchOrder {
	b.mu.Lock()
	docs := b.pending
	b.pending = nil
	b.mu.Unlock()

	groups := make(map[groupKey]*model.BatchOrder)
	order := make([]groupKey, 0)
	items := make(map[groupKey]map[string]*model.BatchOrderItem)

	for _, doc := range docs {
		gk := groupKey{payer: doc.Payer, platform: doc.Platform}
		bo, ok := groups[gk]
		if !ok {
			bo = &model.BatchOrder{
				ID: model.BatchOrderID(uuid.NewString()), Payer: doc.Payer,
				Platform: string(doc.Platform), CreatedAt: time.Now(),
			}
			groups[gk] = bo
			items[gk] = make(map[string]*model.BatchOrderItem)
			order = append(order, gk)
		}

		item, ok := items[gk][doc.Payee]
		if !ok {
			item = &model.BatchOrderItem{ID: uuid.NewString(), Payee: doc.Payee}
			items[gk][doc.Payee] = item
			bo.Items = append(bo.Items, *item)
		}

		itemDoc := model.BatchOrderItemDocument{
			ItemID: item.ID, Kind: doc.Kind, DocumentID: doc.ID, Amount: doc.Amount,
		}
		item.Amount = item.Amount.Add(doc.Amount)
		item.Documents = append(item.Documents, itemDoc)

		for i := range bo.Items {
			if bo.Items[i].ID == item.ID {
				bo.Items[i] = *item
				break
			}
		}
	}

	out := make([]*model.BatchOrder, 0, len(order))
	for _, gk := range order {
		out = append(out, groups[gk])
	}
	return out
}
