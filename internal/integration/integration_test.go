//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	httpapi "github.com/tradehub/negotiation/internal/api/http"
	"github.com/tradehub/negotiation/internal/application/auth"
	"github.com/tradehub/negotiation/internal/application/lock"
	appNegotiation "github.com/tradehub/negotiation/internal/application/negotiation"
	"github.com/tradehub/negotiation/internal/application/ordering"
	"github.com/tradehub/negotiation/internal/application/visibility"
	"github.com/tradehub/negotiation/internal/domain/coordination"
	"github.com/tradehub/negotiation/internal/domain/negotiation"
	"github.com/tradehub/negotiation/internal/infrastructure/postgres"
	"github.com/tradehub/negotiation/internal/infrastructure/sse"
)

const (
	buyerToken  = "buyer-session-token"
	sellerToken = "seller-session-token"
	checkoutKey = "checkout-integration-key"
)

type fixture struct {
	server  *httptest.Server
	pool    *pgxpool.Pool
	svc     *appNegotiation.Service
	bridge  *ordering.Bridge
	orders  *postgres.OrderLedger
	coord   *postgres.CoordinationStore
	buyer   uuid.UUID
	seller  uuid.UUID
	product uuid.UUID
}

func TestNegotiationLifecycleIntegration(t *testing.T) {
	f := newFixture(t)
	defer f.close()

	var opened appNegotiation.View
	call(t, http.MethodPost, f.server.URL+"/v1/negotiations", buyerToken, map[string]interface{}{
		"productId": f.product,
		"price":     "450",
		"quantity":  100,
	}, http.StatusCreated, &opened)
	if opened.Status != negotiation.StatusPending {
		t.Fatalf("expected PENDING, got %s", opened.Status)
	}
	path := f.server.URL + "/v1/negotiations/" + opened.NegotiationID.String()

	var countered appNegotiation.View
	call(t, http.MethodPatch, path, sellerToken, map[string]interface{}{
		"action":   "counter",
		"price":    "480.00",
		"quantity": 100,
	}, http.StatusOK, &countered)
	if countered.Status != negotiation.StatusCounterOffer || countered.LastOfferBy != f.seller {
		t.Fatalf("unexpected counter state: %+v", countered)
	}

	var dup map[string]interface{}
	call(t, http.MethodPost, f.server.URL+"/v1/negotiations", buyerToken, map[string]interface{}{
		"productId": f.product,
		"price":     "400",
		"quantity":  100,
	}, http.StatusBadRequest, &dup)
	if dup["code"] != "active_negotiation_exists" {
		t.Fatalf("expected active_negotiation_exists, got %v", dup["code"])
	}

	var accepted appNegotiation.View
	call(t, http.MethodPatch, path, buyerToken, map[string]interface{}{"action": "accept"}, http.StatusOK, &accepted)
	if accepted.Status != negotiation.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", accepted.Status)
	}
	if accepted.MaskedPrice == nil || !accepted.MaskedPrice.Equal(decimal.NewFromInt(480)) {
		t.Fatalf("accepted price not visible: %v", accepted.MaskedPrice)
	}

	consumeURL := f.server.URL + "/v1/internal/negotiations/" + opened.NegotiationID.String() + "/consume"
	consumeBody := map[string]interface{}{"buyerId": f.buyer, "quantity": 120, "orderRef": "ORD-1001"}
	call(t, http.MethodPost, consumeURL, "", consumeBody, http.StatusOK, nil)

	var conflict map[string]interface{}
	call(t, http.MethodPost, consumeURL, "", consumeBody, http.StatusConflict, &conflict)
	if conflict["code"] != "already_consumed" {
		t.Fatalf("expected already_consumed, got %v", conflict["code"])
	}

	orders, err := f.orders.ListByNegotiation(context.Background(), opened.NegotiationID)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
	if !orders[0].Total.Equal(decimal.NewFromInt(480 * 120)) {
		t.Fatalf("unexpected order total %s", orders[0].Total)
	}

	var history struct {
		History []appNegotiation.HistoryView `json:"history"`
	}
	call(t, http.MethodGet, path+"/history", buyerToken, nil, http.StatusOK, &history)
	if len(history.History) != 4 {
		t.Fatalf("expected 4 history entries, got %d", len(history.History))
	}
}

func TestListStatusFilterIntegration(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	ctx := context.Background()

	var opened appNegotiation.View
	call(t, http.MethodPost, f.server.URL+"/v1/negotiations", buyerToken, map[string]interface{}{
		"productId": f.product,
		"price":     "450",
		"quantity":  100,
	}, http.StatusCreated, &opened)

	if _, err := f.pool.Exec(ctx, `UPDATE negotiations SET updated_at = now() - interval '8 days' WHERE negotiation_id=$1`, opened.NegotiationID); err != nil {
		t.Fatalf("age negotiation: %v", err)
	}

	var list struct {
		Negotiations []appNegotiation.View `json:"negotiations"`
	}
	call(t, http.MethodGet, f.server.URL+"/v1/negotiations?status=PENDING", buyerToken, nil, http.StatusOK, &list)
	if len(list.Negotiations) != 0 {
		t.Fatalf("expected no pending negotiations, got %d", len(list.Negotiations))
	}

	list.Negotiations = nil
	call(t, http.MethodGet, f.server.URL+"/v1/negotiations?status=REJECTED", buyerToken, nil, http.StatusOK, &list)
	if len(list.Negotiations) != 1 || list.Negotiations[0].NegotiationID != opened.NegotiationID {
		t.Fatalf("expected the expired negotiation under REJECTED, got %+v", list.Negotiations)
	}
	if list.Negotiations[0].Status != negotiation.StatusRejected {
		t.Fatalf("expected REJECTED, got %s", list.Negotiations[0].Status)
	}
}

func TestConcurrentConsumeIntegration(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	ctx := context.Background()

	n, err := f.svc.Open(ctx, appNegotiation.OpenInput{
		BuyerID:   f.buyer,
		ProductID: f.product,
		Price:     decimal.NewFromInt(450),
		Quantity:  100,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.svc.Accept(ctx, n.NegotiationID, f.seller, nil); err != nil {
		t.Fatalf("accept: %v", err)
	}

	const callers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.bridge.Consume(ctx, n.NegotiationID, ordering.OrderContext{BuyerID: f.buyer, Quantity: 100})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, negotiation.ErrConsumptionConflict):
				conflicts++
			default:
				t.Errorf("unexpected consume error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", callers-1, succeeded, conflicts)
	}
	orders, err := f.orders.ListByNegotiation(ctx, n.NegotiationID)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected one order, got %d", len(orders))
	}
}

func TestConcurrentCounterIntegration(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	ctx := context.Background()

	n, err := f.svc.Open(ctx, appNegotiation.OpenInput{
		BuyerID:   f.buyer,
		ProductID: f.product,
		Price:     decimal.NewFromInt(450),
		Quantity:  100,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const callers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Counter(ctx, n.NegotiationID, f.seller, appNegotiation.CounterInput{
				Price:    decimal.NewFromInt(int64(470 + i)),
				Quantity: 100,
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 {
		t.Fatalf("expected exactly one counter to land, got %d", succeeded)
	}
	cur, err := postgres.NewNegotiationRepository(f.pool).GetByID(ctx, n.NegotiationID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cur.Version != 2 || cur.LastOfferBy != f.seller {
		t.Fatalf("unexpected state after concurrent counters: version=%d lastOfferBy=%s", cur.Version, cur.LastOfferBy)
	}
}

func TestCoordinationStoreIntegration(t *testing.T) {
	f := newFixture(t)
	defer f.close()
	ctx := context.Background()
	store := f.coord
	now := time.Now().UTC()

	lease, ok, err := store.AcquireLease(ctx, "negotiation:a:lock", "alice", "t1", time.Minute, now)
	if err != nil || !ok || lease.Token != "t1" {
		t.Fatalf("acquire: lease=%+v ok=%v err=%v", lease, ok, err)
	}
	holder, ok, err := store.AcquireLease(ctx, "negotiation:a:lock", "bob", "t2", time.Minute, now)
	if err != nil || ok || holder.Owner != "alice" {
		t.Fatalf("conflicting acquire: holder=%+v ok=%v err=%v", holder, ok, err)
	}
	renewed, ok, err := store.AcquireLease(ctx, "negotiation:a:lock", "alice", "t3", time.Minute, now.Add(10*time.Second))
	if err != nil || !ok || renewed.Token != "t1" {
		t.Fatalf("renew: lease=%+v ok=%v err=%v", renewed, ok, err)
	}
	taken, ok, err := store.AcquireLease(ctx, "negotiation:a:lock", "bob", "t4", time.Minute, now.Add(2*time.Minute))
	if err != nil || !ok || taken.Owner != "bob" {
		t.Fatalf("acquire after expiry: lease=%+v ok=%v err=%v", taken, ok, err)
	}
	released, err := store.ReleaseLease(ctx, "negotiation:a:lock", "t1")
	if err != nil || released {
		t.Fatalf("stale release should be refused: released=%v err=%v", released, err)
	}

	if err := store.PutGrant(ctx, "negotiation:a:view:x", []byte(`{"price":"10"}`), time.Minute, now); err != nil {
		t.Fatalf("put grant: %v", err)
	}
	if err := store.PutGrant(ctx, "negotiation:a:view:y", []byte(`{"price":"11"}`), time.Second, now); err != nil {
		t.Fatalf("put grant: %v", err)
	}
	if err := store.PutGrant(ctx, "negotiation:a:view:z", []byte("not json"), time.Minute, now); !errors.Is(err, coordination.ErrInvalidValue) {
		t.Fatalf("expected ErrInvalidValue, got %v", err)
	}
	grant, err := store.GetGrant(ctx, "negotiation:a:view:x", now)
	if err != nil || grant == nil {
		t.Fatalf("get grant: %+v %v", grant, err)
	}
	purged, err := store.PurgeExpired(ctx, now.Add(5*time.Second))
	if err != nil || purged != 1 {
		t.Fatalf("purge: purged=%d err=%v", purged, err)
	}
	deleted, err := store.DeleteGrants(ctx, "negotiation:a:view:")
	if err != nil || deleted != 1 {
		t.Fatalf("delete grants: deleted=%d err=%v", deleted, err)
	}
}

func call(t *testing.T, method, url, token string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else {
		req.Header.Set("X-API-Key", checkoutKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status %d (want %d): %s", method, url, resp.StatusCode, wantStatus, string(bodyBytes))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := testDatabaseURL(t)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("db pool: %v", err)
	}

	root := repoRoot(t)
	if err := postgres.RunMigrations(ctx, pool, filepath.Join(root, "internal", "migrations")); err != nil {
		pool.Close()
		t.Fatalf("migrations: %v", err)
	}
	if err := resetDatabase(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("reset db: %v", err)
	}

	f := &fixture{pool: pool, buyer: uuid.New(), seller: uuid.New(), product: uuid.New()}
	if err := seed(ctx, pool, f); err != nil {
		pool.Close()
		t.Fatalf("seed: %v", err)
	}

	logger := zerolog.Nop()
	repo := postgres.NewNegotiationRepository(pool)
	products := postgres.NewCatalogReader(pool)
	directory := postgres.NewDirectoryReader(pool)
	f.coord = postgres.NewCoordinationStore(pool)
	f.orders = postgres.NewOrderLedger(pool)

	keyHash, err := auth.HashServiceKey(checkoutKey)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}

	sseHub := sse.NewHub(logger)
	f.svc = appNegotiation.NewService(
		repo,
		products,
		directory,
		lock.NewManager(f.coord, 0, logger),
		visibility.NewManager(f.coord, 0, logger),
		sseHub,
		appNegotiation.Config{},
		logger,
	)
	f.bridge = ordering.NewBridge(repo, products, f.orders, f.svc.InactivityWindow(), logger)
	authSvc := auth.NewService(postgres.NewSessionRepository(pool), directory, keyHash, logger)

	apiServer := httpapi.NewServer(f.svc, f.bridge, authSvc, sseHub, "tradehub_session", "ADMIN", logger)
	f.server = httptest.NewServer(apiServer.Router())
	return f
}

func (f *fixture) close() {
	f.server.Close()
	f.pool.Close()
}

func seed(ctx context.Context, pool *pgxpool.Pool, f *fixture) error {
	if _, err := pool.Exec(ctx, `
		INSERT INTO users (user_id, username, role, status, b2b_verified)
		VALUES ($1, 'acme-buyer', 'BUYER', 'ACTIVE', TRUE), ($2, 'widget-seller', 'SELLER', 'ACTIVE', FALSE)
	`, f.buyer, f.seller); err != nil {
		return err
	}
	expires := time.Now().UTC().Add(time.Hour)
	for token, userID := range map[string]uuid.UUID{buyerToken: f.buyer, sellerToken: f.seller} {
		if _, err := pool.Exec(ctx, `
			INSERT INTO sessions (session_id, token_hash, user_id, expires_at)
			VALUES ($1, $2, $3, $4)
		`, uuid.New(), hashToken(token), userID, expires); err != nil {
			return err
		}
	}
	_, err := pool.Exec(ctx, `
		INSERT INTO products (product_id, seller_id, listed_price, floor_price, min_order_quantity, stock, negotiation_enabled, available)
		VALUES ($1, $2, 500, 250, 10, 1000, TRUE, TRUE)
	`, f.product, f.seller)
	return err
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE
			negotiated_orders,
			negotiation_history,
			negotiations,
			coordination_leases,
			coordination_grants,
			products,
			sessions,
			users
		RESTART IDENTITY CASCADE
	`)
	return err
}
