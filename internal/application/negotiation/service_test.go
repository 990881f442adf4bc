package negotiation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradehub/negotiation/internal/application/lock"
	"github.com/tradehub/negotiation/internal/application/visibility"
	"github.com/tradehub/negotiation/internal/domain/catalog"
	"github.com/tradehub/negotiation/internal/domain/event"
	"github.com/tradehub/negotiation/internal/domain/identity"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
	"github.com/tradehub/negotiation/internal/infrastructure/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []*event.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n *event.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) Last() *event.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notes) == 0 {
		return nil
	}
	return r.notes[len(r.notes)-1]
}

// gatedCatalog blocks the first armed GetProduct call until released.
type gatedCatalog struct {
	catalog.Catalog
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCatalog) GetProduct(ctx context.Context, id uuid.UUID) (*catalog.Product, error) {
	if g.armed.CompareAndSwap(true, false) {
		close(g.entered)
		<-g.release
	}
	return g.Catalog.GetProduct(ctx, id)
}

type harness struct {
	svc       *Service
	repo      *memory.NegotiationRepository
	catalog   *memory.Catalog
	gate      *gatedCatalog
	directory *memory.Directory
	locks     *lock.Manager
	vis       *visibility.Manager
	notes     *recordingNotifier
	clock     *testClock
	buyer     uuid.UUID
	seller    uuid.UUID
	product   uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		buyer:   uuid.New(),
		seller:  uuid.New(),
		product: uuid.New(),
		notes:   &recordingNotifier{},
		repo:    memory.NewNegotiationRepository(),
	}
	h.catalog = memory.NewCatalog(catalog.Product{
		ProductID:          h.product,
		SellerID:           h.seller,
		ListedPrice:        decimal.NewFromInt(500),
		FloorPrice:         decimal.NewFromInt(250),
		MinOrderQuantity:   10,
		Stock:              1000,
		NegotiationEnabled: true,
		Available:          true,
	})
	h.gate = &gatedCatalog{Catalog: h.catalog, entered: make(chan struct{}), release: make(chan struct{})}
	h.directory = memory.NewDirectory(
		identity.User{UserID: h.buyer, Username: "acme-buyer", Role: identity.RoleBuyer, Status: identity.StatusActive, B2BVerified: true},
		identity.User{UserID: h.seller, Username: "widget-seller", Role: identity.RoleSeller, Status: identity.StatusActive},
	)
	store := memory.NewCoordinationStore()
	h.locks = lock.NewManager(store, 0, zerolog.Nop()).WithClock(h.clock.Now)
	h.vis = visibility.NewManager(store, 0, zerolog.Nop()).WithClock(h.clock.Now)
	h.svc = NewService(h.repo, h.gate, h.directory, h.locks, h.vis, h.notes, Config{}, zerolog.Nop()).WithClock(h.clock.Now)
	return h
}

func (h *harness) open(t *testing.T, price int64, qty int) *negotiation.Negotiation {
	t.Helper()
	n, err := h.svc.Open(context.Background(), OpenInput{
		BuyerID:   h.buyer,
		ProductID: h.product,
		Price:     decimal.NewFromInt(price),
		Quantity:  qty,
	})
	require.NoError(t, err)
	return n
}

func requireKind(t *testing.T, err error, kind negotiation.Kind) *negotiation.Error {
	t.Helper()
	require.Error(t, err)
	e, ok := negotiation.AsError(err)
	require.True(t, ok, "expected *negotiation.Error, got %v", err)
	assert.Equal(t, kind, e.Kind)
	return e
}

func TestService_Open(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	msg := "volume order"

	n, err := h.svc.Open(ctx, OpenInput{
		BuyerID:   h.buyer,
		ProductID: h.product,
		Price:     decimal.NewFromInt(450),
		Quantity:  100,
		Message:   &msg,
	})

	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusPending, n.Status)
	assert.Equal(t, h.buyer, n.LastOfferBy)
	assert.Equal(t, h.seller, n.SellerID)

	history, err := h.repo.ListHistory(ctx, n.NegotiationID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, negotiation.ActionOpen, history[0].Action)
	assert.Equal(t, negotiation.ActorBuyer, history[0].ActorKind)
	require.NotNil(t, history[0].Message)

	for _, party := range []uuid.UUID{h.buyer, h.seller} {
		v, err := h.svc.Project(ctx, n, party)
		require.NoError(t, err)
		require.NotNil(t, v.MaskedPrice)
		assert.Equal(t, "450", v.MaskedPrice.String())
	}

	note := h.notes.Last()
	require.NotNil(t, note)
	assert.Equal(t, event.TypeOfferReceived, note.Type)
	assert.Equal(t, h.seller, note.RecipientID)
}

func TestService_OpenPreconditions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		setup  func(h *harness)
		price  int64
		qty    int
		buyer  func(h *harness) uuid.UUID
		expect *negotiation.Error
	}{
		{
			name:   "buyer not verified",
			setup:  func(h *harness) { h.directory.Put(identity.User{UserID: h.buyer, Status: identity.StatusActive}) },
			price:  450,
			qty:    100,
			expect: negotiation.ErrBuyerNotVerified,
		},
		{
			name:   "negotiation disabled",
			setup:  func(h *harness) { h.catalog.Update(h.product, func(p *catalog.Product) { p.NegotiationEnabled = false }) },
			price:  450,
			qty:    100,
			expect: negotiation.ErrNegotiationDisabled,
		},
		{
			name:   "product unavailable",
			setup:  func(h *harness) { h.catalog.Update(h.product, func(p *catalog.Product) { p.Available = false }) },
			price:  450,
			qty:    100,
			expect: negotiation.ErrNegotiationDisabled,
		},
		{name: "price below floor", price: 249, qty: 100, expect: negotiation.ErrPriceBelowFloor},
		{name: "price above listed", price: 501, qty: 100, expect: negotiation.ErrPriceAboveListed},
		{name: "quantity below minimum", price: 450, qty: 9, expect: negotiation.ErrQuantityBelowMinimum},
		{name: "quantity above stock", price: 450, qty: 1001, expect: negotiation.ErrQuantityExceedsStock},
		{
			name:   "floor expression",
			setup:  func(h *harness) { h.catalog.Update(h.product, func(p *catalog.Product) { expr := "listed_price * 0.9"; p.FloorExpr = &expr }) },
			price:  449,
			qty:    100,
			expect: negotiation.ErrPriceBelowFloor,
		},
		{
			name:   "seller cannot open on own product",
			price:  450,
			qty:    100,
			buyer:  func(h *harness) uuid.UUID { return h.seller },
			expect: negotiation.ErrSelfNegotiation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			buyer := h.buyer
			if tt.buyer != nil {
				buyer = tt.buyer(h)
				h.directory.Put(identity.User{UserID: buyer, Status: identity.StatusActive, B2BVerified: true})
			}

			_, err := h.svc.Open(ctx, OpenInput{
				BuyerID:   buyer,
				ProductID: h.product,
				Price:     decimal.NewFromInt(tt.price),
				Quantity:  tt.qty,
			})

			assert.ErrorIs(t, err, tt.expect)
			list, _ := h.repo.List(ctx, negotiation.Filter{}, 10, 0)
			assert.Empty(t, list)
		})
	}
}

func TestService_OpenDuplicateActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	first := h.open(t, 450, 100)

	_, err := h.svc.Open(ctx, OpenInput{BuyerID: h.buyer, ProductID: h.product, Price: decimal.NewFromInt(460), Quantity: 100})

	e := requireKind(t, err, negotiation.KindValidation)
	assert.Equal(t, "active_negotiation_exists", e.Code)
	require.NotNil(t, e.Negotiation)
	assert.Equal(t, first.NegotiationID, e.Negotiation.NegotiationID)

	// once the first is closed a new one may start
	_, err = h.svc.Reject(ctx, first.NegotiationID, h.buyer, nil)
	require.NoError(t, err)
	second := h.open(t, 460, 100)
	assert.NotEqual(t, first.NegotiationID, second.NegotiationID)
}

func TestService_TurnAlternation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	_, err := h.svc.Counter(ctx, n.NegotiationID, h.buyer, CounterInput{Price: decimal.NewFromInt(455), Quantity: 100})
	requireKind(t, err, negotiation.KindTurn)

	_, err = h.svc.Accept(ctx, n.NegotiationID, h.buyer, nil)
	requireKind(t, err, negotiation.KindTurn)

	n, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(490), Quantity: 100})
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusCounterOffer, n.Status)
	assert.Equal(t, h.seller, n.LastOfferBy)

	_, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	e := requireKind(t, err, negotiation.KindTurn)
	require.NotNil(t, e.Negotiation)
	assert.Equal(t, int64(2), e.Negotiation.Version)

	n, err = h.svc.Counter(ctx, n.NegotiationID, h.buyer, CounterInput{Price: decimal.NewFromInt(470), Quantity: 120})
	require.NoError(t, err)
	assert.Equal(t, h.buyer, n.LastOfferBy)

	n, err = h.svc.Accept(ctx, n.NegotiationID, h.seller, nil)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusAccepted, n.Status)

	history, err := h.repo.ListHistory(ctx, n.NegotiationID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, int64(i+1), history[i].Seq)
		assert.NotEqual(t, history[i-1].ActorKind, history[i].ActorKind)
	}
}

func TestService_CounterBounds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	_, err := h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(600), Quantity: 100})
	e := requireKind(t, err, negotiation.KindValidation)
	assert.Equal(t, "price_above_listed", e.Code)
	require.NotNil(t, e.Negotiation)

	_, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 5})
	assert.ErrorIs(t, err, negotiation.ErrQuantityBelowMinimum)

	cur, err := h.repo.GetByID(ctx, n.NegotiationID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)

	holder, err := h.locks.Holder(ctx, n.NegotiationID)
	require.NoError(t, err)
	assert.Nil(t, holder, "failed mutation must release the lock")
}

func TestService_LockConflict(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	// lease left behind by a buyer session that never committed
	_, err := h.locks.Acquire(ctx, n.NegotiationID, h.buyer, 0)
	require.NoError(t, err)

	_, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	e := requireKind(t, err, negotiation.KindLockConflict)
	assert.True(t, e.Retryable())
	require.NotNil(t, e.Negotiation)
	require.NotNil(t, e.Negotiation.LockOwner)
	assert.Equal(t, h.buyer, *e.Negotiation.LockOwner)

	h.clock.Advance(lock.DefaultTTL)
	_, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	require.NoError(t, err)

	history, err := h.repo.ListHistory(ctx, n.NegotiationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[1].Seq)
}

func TestService_InTurnCounterBlocksOtherParty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	h.gate.armed.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
		done <- err
	}()
	<-h.gate.entered

	_, err := h.svc.Counter(ctx, n.NegotiationID, h.buyer, CounterInput{Price: decimal.NewFromInt(460), Quantity: 100})
	e := requireKind(t, err, negotiation.KindTurn)
	require.NotNil(t, e.Negotiation)
	require.NotNil(t, e.Negotiation.LockOwner)
	assert.Equal(t, h.seller, *e.Negotiation.LockOwner)

	close(h.gate.release)
	require.NoError(t, <-done)

	history, err := h.repo.ListHistory(ctx, n.NegotiationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[1].Seq)
}

func TestService_ConcurrentCountersKeepOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 300, 100)

	var wg sync.WaitGroup
	var successes atomic.Int64
	for _, party := range []uuid.UUID{h.buyer, h.seller, h.buyer, h.seller} {
		wg.Add(1)
		go func(actor uuid.UUID) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				price := decimal.NewFromInt(int64(300 + i))
				_, err := h.svc.Counter(ctx, n.NegotiationID, actor, CounterInput{Price: price, Quantity: 100})
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, negotiation.ErrTurn), errors.Is(err, negotiation.ErrLockConflict):
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}
		}(party)
	}
	wg.Wait()

	history, err := h.repo.ListHistory(ctx, n.NegotiationID)
	require.NoError(t, err)
	require.Len(t, history, int(successes.Load())+1)
	for i, entry := range history {
		assert.Equal(t, int64(i+1), entry.Seq)
		if i > 0 {
			assert.NotEqual(t, history[i-1].ActorKind, entry.ActorKind, "same party acted twice in a row at seq %d", entry.Seq)
		}
	}
}

func TestService_AcceptRechecksStock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)
	n, err := h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	require.NoError(t, err)

	h.catalog.Update(h.product, func(p *catalog.Product) { p.Stock = 50 })

	_, err = h.svc.Accept(ctx, n.NegotiationID, h.buyer, nil)
	assert.ErrorIs(t, err, negotiation.ErrQuantityExceedsStock)

	cur, err := h.repo.GetByID(ctx, n.NegotiationID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusCounterOffer, cur.Status)
}

func TestService_VisibilityFollowsTurns(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	n, err := h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	require.NoError(t, err)

	sellerView, err := h.svc.Project(ctx, n, h.seller)
	require.NoError(t, err)
	assert.Nil(t, sellerView.MaskedPrice)
	assert.False(t, sellerView.YourTurn)

	buyerView, err := h.svc.Project(ctx, n, h.buyer)
	require.NoError(t, err)
	require.NotNil(t, buyerView.MaskedPrice)
	assert.Equal(t, "480", buyerView.MaskedPrice.String())
	assert.True(t, buyerView.YourTurn)

	history, err := h.svc.History(ctx, n.NegotiationID, Actor{UserID: h.seller})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.NotNil(t, history[0].Price)
	assert.Nil(t, history[1].Price)

	n, err = h.svc.Accept(ctx, n.NegotiationID, h.buyer, nil)
	require.NoError(t, err)

	ok, err := h.vis.CanView(ctx, n.NegotiationID, h.buyer)
	require.NoError(t, err)
	assert.False(t, ok, "grants are revoked on acceptance")

	sellerView, err = h.svc.Project(ctx, n, h.seller)
	require.NoError(t, err)
	require.NotNil(t, sellerView.MaskedPrice)
	assert.Equal(t, "480", sellerView.MaskedPrice.String())
}

func TestService_Reject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	_, err := h.svc.ClaimLock(ctx, n.NegotiationID, h.seller)
	require.NoError(t, err)

	_, err = h.svc.Reject(ctx, n.NegotiationID, uuid.New(), nil)
	assert.ErrorIs(t, err, negotiation.ErrNotParty)

	// the buyer is not blocked by the seller's lock nor by turn order
	rejected, err := h.svc.Reject(ctx, n.NegotiationID, h.buyer, nil)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectReason)
	assert.Equal(t, negotiation.ReasonRejectedByParty, *rejected.RejectReason)

	holder, err := h.locks.Holder(ctx, n.NegotiationID)
	require.NoError(t, err)
	assert.Nil(t, holder)
	ok, err := h.vis.CanView(ctx, n.NegotiationID, h.seller)
	require.NoError(t, err)
	assert.False(t, ok)

	note := h.notes.Last()
	require.NotNil(t, note)
	assert.Equal(t, event.TypeRejected, note.Type)
	assert.Equal(t, h.seller, note.RecipientID)

	_, err = h.svc.Reject(ctx, n.NegotiationID, h.seller, nil)
	requireKind(t, err, negotiation.KindStale)

	_, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	requireKind(t, err, negotiation.KindStale)
}

func TestService_ForceRejectIsSystemAuthored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	rejected, err := h.svc.ForceReject(ctx, n.NegotiationID, negotiation.ReasonPolicyChanged)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusRejected, rejected.Status)

	history, err := h.repo.ListHistory(ctx, n.NegotiationID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	last := history[1]
	assert.Equal(t, negotiation.ActionForceReject, last.Action)
	assert.Equal(t, negotiation.ActorSystem, last.ActorKind)
	assert.Nil(t, last.ActorID)
	require.NotNil(t, last.Reason)
	assert.Equal(t, negotiation.ReasonPolicyChanged, *last.Reason)

	_, err = h.svc.ForceReject(ctx, n.NegotiationID, negotiation.ReasonStockDepleted)
	assert.ErrorIs(t, err, negotiation.ErrTerminal)

	_, err = h.svc.ForceReject(ctx, uuid.New(), negotiation.ReasonPolicyChanged)
	requireKind(t, err, negotiation.KindNotFound)
}

func TestService_Expiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	h.clock.Advance(8 * 24 * time.Hour)

	v, err := h.svc.Get(ctx, n.NegotiationID, Actor{UserID: h.buyer})
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusRejected, v.Status)
	require.NotNil(t, v.RejectReason)
	assert.Equal(t, negotiation.ReasonExpired, *v.RejectReason)
	assert.Nil(t, v.MaskedPrice)

	_, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	e := requireKind(t, err, negotiation.KindStale)
	assert.Equal(t, "expired", e.Code)

	_, err = h.svc.Accept(ctx, n.NegotiationID, h.seller, nil)
	requireKind(t, err, negotiation.KindStale)

	stored, err := h.repo.GetByID(ctx, n.NegotiationID)
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusRejected, stored.Status)
	require.NotNil(t, stored.RejectReason)
	assert.Equal(t, negotiation.ReasonExpired, *stored.RejectReason)
}

func TestService_ForceRejectExpiredSkipsTouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	_, err := h.svc.ForceReject(ctx, n.NegotiationID, negotiation.ReasonExpired)
	assert.ErrorIs(t, err, ErrNotOverdue)

	stored, err := h.repo.GetByID(ctx, n.NegotiationID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive())
}

func TestService_Locking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	_, err := h.svc.ClaimLock(ctx, n.NegotiationID, h.buyer)
	requireKind(t, err, negotiation.KindTurn)

	lease, err := h.svc.ClaimLock(ctx, n.NegotiationID, h.seller)
	require.NoError(t, err)
	assert.Equal(t, h.seller, lease.Owner)

	v, err := h.svc.Get(ctx, n.NegotiationID, Actor{UserID: h.buyer})
	require.NoError(t, err)
	assert.True(t, v.IsLocked)
	require.NotNil(t, v.LockExpiresIn)
	assert.Equal(t, int64(300), *v.LockExpiresIn)

	_, err = h.svc.ExtendLock(ctx, n.NegotiationID, h.buyer, time.Minute)
	assert.ErrorIs(t, err, negotiation.ErrNotLockOwner)

	_, err = h.svc.ExtendLock(ctx, n.NegotiationID, h.seller, 0)
	assert.ErrorIs(t, err, negotiation.ErrInvalidExtension)

	extended, err := h.svc.ExtendLock(ctx, n.NegotiationID, h.seller, time.Minute)
	require.NoError(t, err)
	assert.True(t, h.clock.Now().Add(6*time.Minute).Equal(extended.ExpiresAt))

	_, err = h.svc.ForceReleaseLock(ctx, n.NegotiationID, Actor{UserID: h.buyer})
	assert.ErrorIs(t, err, negotiation.ErrLockReleaseForbidden)

	_, err = h.svc.ForceReleaseLock(ctx, n.NegotiationID, Actor{UserID: uuid.New(), Admin: true})
	require.NoError(t, err)

	v, err = h.svc.Get(ctx, n.NegotiationID, Actor{UserID: h.buyer})
	require.NoError(t, err)
	assert.False(t, v.IsLocked)
	assert.Nil(t, v.LockExpiresIn)
}

func TestService_ClaimedLockIsUsedByHolder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	_, err := h.svc.ClaimLock(ctx, n.NegotiationID, h.seller)
	require.NoError(t, err)

	_, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	require.NoError(t, err)

	holder, err := h.locks.Holder(ctx, n.NegotiationID)
	require.NoError(t, err)
	assert.Nil(t, holder)
}

func TestService_LockExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	_, err := h.svc.ClaimLock(ctx, n.NegotiationID, h.seller)
	require.NoError(t, err)
	n, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	require.NoError(t, err)

	_, err = h.svc.ClaimLock(ctx, n.NegotiationID, h.buyer)
	require.NoError(t, err)

	_, err = h.locks.Acquire(ctx, n.NegotiationID, h.seller, 0)
	assert.ErrorIs(t, err, lock.ErrConflict)

	h.clock.Advance(lock.DefaultTTL)

	_, err = h.locks.Acquire(ctx, n.NegotiationID, h.seller, 0)
	require.NoError(t, err)
}

func TestService_ListAndActiveFor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	views, err := h.svc.List(ctx, h.seller, negotiation.Filter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, n.NegotiationID, views[0].NegotiationID)

	views, err = h.svc.List(ctx, uuid.New(), negotiation.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, views)

	v, err := h.svc.ActiveFor(ctx, h.seller, h.product, h.buyer)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, n.NegotiationID, v.NegotiationID)

	v, err = h.svc.ActiveFor(ctx, h.buyer, h.product, h.seller)
	require.NoError(t, err)
	require.NotNil(t, v)

	v, err = h.svc.ActiveFor(ctx, h.buyer, h.product, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, v)

	pending := negotiation.StatusPending
	h.clock.Advance(8 * 24 * time.Hour)
	views, err = h.svc.List(ctx, h.buyer, negotiation.Filter{Status: &pending}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, views)

	rejected := negotiation.StatusRejected
	views, err = h.svc.List(ctx, h.buyer, negotiation.Filter{Status: &rejected}, 10, 0)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, n.NegotiationID, views[0].NegotiationID)
	assert.Equal(t, negotiation.StatusRejected, views[0].Status)

	v, err = h.svc.ActiveFor(ctx, h.buyer, h.product, h.seller)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestService_Act(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	_, err := h.svc.Act(ctx, n.NegotiationID, h.seller, ActInput{Action: "haggle"})
	assert.ErrorIs(t, err, negotiation.ErrInvalidAction)

	_, err = h.svc.Act(ctx, n.NegotiationID, h.seller, ActInput{Action: "counter"})
	assert.ErrorIs(t, err, negotiation.ErrMissingTerms)

	price, qty := decimal.NewFromInt(480), 100
	updated, err := h.svc.Act(ctx, n.NegotiationID, h.seller, ActInput{Action: "Counter", Price: &price, Quantity: &qty})
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusCounterOffer, updated.Status)

	updated, err = h.svc.Act(ctx, n.NegotiationID, h.buyer, ActInput{Action: "accept"})
	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusAccepted, updated.Status)
}

// gatedRepo blocks the block-th GetByID call until released.
type gatedRepo struct {
	negotiation.Repository
	block   int32
	reads   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRepo) GetByID(ctx context.Context, id uuid.UUID) (*negotiation.Negotiation, error) {
	if g.reads.Add(1) == g.block {
		close(g.entered)
		<-g.release
	}
	return g.Repository.GetByID(ctx, id)
}

func TestService_OutOfTurnCounterDoesNotTakeLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	n := h.open(t, 450, 100)

	gate := &gatedRepo{Repository: h.repo, block: 2, entered: make(chan struct{}), release: make(chan struct{})}
	buyerSvc := NewService(gate, h.catalog, h.directory, h.locks, h.vis, h.notes, Config{}, zerolog.Nop()).WithClock(h.clock.Now)

	done := make(chan error, 1)
	go func() {
		_, err := buyerSvc.Counter(ctx, n.NegotiationID, h.buyer, CounterInput{Price: decimal.NewFromInt(460), Quantity: 100})
		done <- err
	}()

	var buyerErr error
	blocked := false
	select {
	case buyerErr = <-done:
	case <-gate.entered:
		blocked = true
	}

	updated, err := h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100})
	if blocked {
		close(gate.release)
		buyerErr = <-done
	}

	require.NoError(t, err)
	assert.Equal(t, negotiation.StatusCounterOffer, updated.Status)
	assert.Equal(t, h.seller, updated.LastOfferBy)
	e := requireKind(t, buyerErr, negotiation.KindTurn)
	assert.Equal(t, "not_your_turn", e.Code)
	assert.False(t, blocked, "out-of-turn counter reached the locked re-read")
}

func TestService_MessageValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	long := strings.Repeat("a", negotiation.MaxMessageLength) + "é"
	_, err := h.svc.Open(ctx, OpenInput{BuyerID: h.buyer, ProductID: h.product, Price: decimal.NewFromInt(450), Quantity: 100, Message: &long})
	assert.ErrorIs(t, err, negotiation.ErrMessageTooLong)

	broken := "\xffbulk order"
	_, err = h.svc.Open(ctx, OpenInput{BuyerID: h.buyer, ProductID: h.product, Price: decimal.NewFromInt(450), Quantity: 100, Message: &broken})
	assert.ErrorIs(t, err, negotiation.ErrMessageEncoding)

	atLimit := strings.Repeat("a", negotiation.MaxMessageLength-1) + "é"
	n, err := h.svc.Open(ctx, OpenInput{BuyerID: h.buyer, ProductID: h.product, Price: decimal.NewFromInt(450), Quantity: 100, Message: &atLimit})
	require.NoError(t, err)

	history, err := h.repo.ListHistory(ctx, n.NegotiationID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].Message)
	assert.Equal(t, atLimit, *history[0].Message)
	assert.True(t, utf8.ValidString(*history[0].Message))

	_, err = h.svc.Counter(ctx, n.NegotiationID, h.seller, CounterInput{Price: decimal.NewFromInt(480), Quantity: 100, Message: &long})
	e := requireKind(t, err, negotiation.KindValidation)
	assert.Equal(t, "message_too_long", e.Code)
	require.NotNil(t, e.Negotiation)
	assert.Equal(t, negotiation.StatusPending, e.Negotiation.Status)

	_, err = h.svc.Reject(ctx, n.NegotiationID, h.seller, &broken)
	assert.ErrorIs(t, err, negotiation.ErrMessageEncoding)
}

func TestService_FloorExpressionDivisionByZero(t *testing.T) {
	h := newHarness(t)
	h.catalog.Update(h.product, func(p *catalog.Product) {
		expr := "listed_price / stock"
		p.FloorExpr = &expr
		p.Stock = 0
	})

	require.NotPanics(t, func() {
		_, err := h.svc.Open(context.Background(), OpenInput{BuyerID: h.buyer, ProductID: h.product, Price: decimal.NewFromInt(450), Quantity: 100})
		assert.ErrorIs(t, err, catalog.ErrInvalidFloorExpr)
	})
}
