package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehub/negotiation/internal/application/lock"
	negotiationsvc "github.com/tradehub/negotiation/internal/application/negotiation"
	"github.com/tradehub/negotiation/internal/application/visibility"
	"github.com/tradehub/negotiation/internal/domain/catalog"
	"github.com/tradehub/negotiation/internal/domain/identity"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
	"github.com/tradehub/negotiation/internal/infrastructure/memory"
	"github.com/tradehub/negotiation/internal/infrastructure/queue"
)

type env struct {
	svc     *negotiationsvc.Service
	repo    *memory.NegotiationRepository
	broker  *queue.MemoryBroker
	product uuid.UUID
	buyers  []uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:    memory.NewNegotiationRepository(),
		broker:  queue.NewMemoryBroker(queue.Config{MaxRetries: 1, RetryDelay: time.Millisecond}),
		product: uuid.New(),
		buyers:  []uuid.UUID{uuid.New(), uuid.New()},
	}
	products := memory.NewCatalog(catalog.Product{
		ProductID:          e.product,
		SellerID:           uuid.New(),
		ListedPrice:        decimal.NewFromInt(500),
		FloorPrice:         decimal.NewFromInt(250),
		MinOrderQuantity:   10,
		Stock:              1000,
		NegotiationEnabled: true,
		Available:          true,
	})
	directory := memory.NewDirectory()
	for _, b := range e.buyers {
		directory.Put(identity.User{UserID: b, Status: identity.StatusActive, B2BVerified: true})
	}
	store := memory.NewCoordinationStore()
	e.svc = negotiationsvc.NewService(e.repo, products, directory,
		lock.NewManager(store, 0, zerolog.Nop()),
		visibility.NewManager(store, 0, zerolog.Nop()),
		nil, negotiationsvc.Config{}, zerolog.Nop())
	return e
}

func (e *env) open(t *testing.T, buyer uuid.UUID, qty int) *negotiation.Negotiation {
	t.Helper()
	n, err := e.svc.Open(context.Background(), negotiationsvc.OpenInput{
		BuyerID:   buyer,
		ProductID: e.product,
		Price:     decimal.NewFromInt(450),
		Quantity:  qty,
	})
	require.NoError(t, err)
	return n
}

func (e *env) publish(t *testing.T, change catalog.Change) {
	t.Helper()
	body, err := json.Marshal(change)
	require.NoError(t, err)
	require.NoError(t, e.broker.Publish(context.Background(), queue.TopicCatalogChanges, body))
}

func (e *env) status(t *testing.T, id uuid.UUID) (negotiation.Status, *negotiation.Reason) {
	t.Helper()
	n, err := e.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return n.Status, n.RejectReason
}

func TestWatcher_StockDrop(t *testing.T) {
	e := newEnv(t)
	large := e.open(t, e.buyers[0], 100)
	small := e.open(t, e.buyers[1], 40)

	w := NewWatcher(e.repo, e.svc, zerolog.Nop())
	require.NoError(t, w.Start(context.Background(), e.broker, queue.TopicCatalogChanges))

	stock := 50
	e.publish(t, catalog.Change{EventType: catalog.ChangeStockChanged, ProductID: e.product, NewStock: &stock, Timestamp: time.Now()})

	status, reason := e.status(t, large.NegotiationID)
	assert.Equal(t, negotiation.StatusRejected, status)
	require.NotNil(t, reason)
	assert.Equal(t, negotiation.ReasonStockDepleted, *reason)

	status, _ = e.status(t, small.NegotiationID)
	assert.Equal(t, negotiation.StatusPending, status)

	// no further party action is accepted
	_, err := e.svc.Counter(context.Background(), large.NegotiationID, large.SellerID, negotiationsvc.CounterInput{Price: decimal.NewFromInt(480), Quantity: 40})
	assert.ErrorIs(t, err, negotiation.ErrStale)
}

func TestWatcher_PolicyChange(t *testing.T) {
	for _, typ := range []catalog.ChangeType{catalog.ChangeNegotiationDisabled, catalog.ChangeProductUnavailable} {
		t.Run(string(typ), func(t *testing.T) {
			e := newEnv(t)
			a := e.open(t, e.buyers[0], 100)
			b := e.open(t, e.buyers[1], 10)

			w := NewWatcher(e.repo, e.svc, zerolog.Nop())
			rejected, err := w.Apply(context.Background(), catalog.Change{EventType: typ, ProductID: e.product})
			require.NoError(t, err)
			assert.Equal(t, 2, rejected)

			for _, id := range []uuid.UUID{a.NegotiationID, b.NegotiationID} {
				status, reason := e.status(t, id)
				assert.Equal(t, negotiation.StatusRejected, status)
				require.NotNil(t, reason)
				assert.Equal(t, negotiation.ReasonPolicyChanged, *reason)
			}

			history, err := e.repo.ListHistory(context.Background(), a.NegotiationID)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, negotiation.ActorSystem, history[1].ActorKind)
		})
	}
}

func TestWatcher_IgnoresTerminalAndOtherProducts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	n := e.open(t, e.buyers[0], 100)
	_, err := e.svc.Reject(ctx, n.NegotiationID, e.buyers[0], nil)
	require.NoError(t, err)

	w := NewWatcher(e.repo, e.svc, zerolog.Nop())
	rejected, err := w.Apply(ctx, catalog.Change{EventType: catalog.ChangeNegotiationDisabled, ProductID: e.product})
	require.NoError(t, err)
	assert.Zero(t, rejected)

	rejected, err = w.Apply(ctx, catalog.Change{EventType: catalog.ChangeNegotiationDisabled, ProductID: uuid.New()})
	require.NoError(t, err)
	assert.Zero(t, rejected)
}

func TestWatcher_MalformedMessagesAreDropped(t *testing.T) {
	e := newEnv(t)
	n := e.open(t, e.buyers[0], 100)
	w := NewWatcher(e.repo, e.svc, zerolog.Nop())

	assert.NoError(t, w.HandleMessage(context.Background(), []byte("{not json")))
	assert.NoError(t, w.HandleMessage(context.Background(), []byte(`{"event_type":"stock_changed","product_id":"`+e.product.String()+`"}`)))

	status, _ := e.status(t, n.NegotiationID)
	assert.Equal(t, negotiation.StatusPending, status)

	_, err := w.Apply(context.Background(), catalog.Change{EventType: "price_changed", ProductID: e.product})
	assert.ErrorIs(t, err, ErrMalformedChange)
}

type failingRejecter struct{ calls int }

func (f *failingRejecter) ForceReject(context.Context, uuid.UUID, negotiation.Reason) (*negotiation.Negotiation, error) {
	f.calls++
	return nil, errors.New("store unavailable")
}

func TestWatcher_FailuresAreRetriedThenDeadLettered(t *testing.T) {
	e := newEnv(t)
	e.open(t, e.buyers[0], 100)
	rejecter := &failingRejecter{}

	w := NewWatcher(e.repo, rejecter, zerolog.Nop())
	require.NoError(t, w.Start(context.Background(), e.broker, queue.TopicCatalogChanges))
	e.publish(t, catalog.Change{EventType: catalog.ChangeProductUnavailable, ProductID: e.product})

	assert.Equal(t, 2, rejecter.calls)
	assert.Len(t, e.broker.DeadLetters(queue.TopicCatalogChanges), 1)
}
