package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradehub/negotiation/internal/domain/catalog"
	"github.com/tradehub/negotiation/internal/domain/identity"
	"github.com/tradehub/negotiation/internal/domain/ordering"
)

// Catalog is an in-memory catalog.Catalog.
type Catalog struct {
	mu       sync.RWMutex
	products map[uuid.UUID]catalog.Product
}

func NewCatalog(products ...catalog.Product) *Catalog {
	c := &Catalog{products: make(map[uuid.UUID]catalog.Product)}
	for _, p := range products {
		c.products[p.ProductID] = p
	}
	return c
}

func (c *Catalog) GetProduct(_ context.Context, productID uuid.UUID) (*catalog.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// Put inserts or replaces a product.
func (c *Catalog) Put(p catalog.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ProductID] = p
}

// Update mutates a stored product in place.
func (c *Catalog) Update(productID uuid.UUID, fn func(p *catalog.Product)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[productID]
	if !ok {
		return
	}
	fn(&p)
	c.products[productID] = p
}

// Directory is an in-memory identity.Directory.
type Directory struct {
	mu    sync.RWMutex
	users map[uuid.UUID]identity.User
}

func NewDirectory(users ...identity.User) *Directory {
	d := &Directory{users: make(map[uuid.UUID]identity.User)}
	for _, u := range users {
		d.users[u.UserID] = u
	}
	return d
}

func (d *Directory) GetUser(_ context.Context, userID uuid.UUID) (*identity.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (d *Directory) Put(u identity.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.UserID] = u
}

// OrderLedger is an in-memory ordering.Placer.
type OrderLedger struct {
	mu     sync.Mutex
	orders map[string]*ordering.Order
}

func NewOrderLedger() *OrderLedger {
	return &OrderLedger{orders: make(map[string]*ordering.Order)}
}

func (l *OrderLedger) PlaceNegotiatedOrder(_ context.Context, terms ordering.Terms) (*ordering.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.orders[terms.OrderRef]; ok {
		return nil, ordering.ErrDuplicateOrderRef
	}
	o := ordering.NewOrder(terms, time.Now().UTC())
	o.ID = int64(len(l.orders) + 1)
	l.orders[terms.OrderRef] = o
	c := *o
	return &c, nil
}

// Orders returns every recorded order for a negotiation.
func (l *OrderLedger) Orders(negotiationID uuid.UUID) []*ordering.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*ordering.Order
	for _, o := range l.orders {
		if o.NegotiationID == negotiationID {
			c := *o
			out = append(out, &c)
		}
	}
	return out
}
