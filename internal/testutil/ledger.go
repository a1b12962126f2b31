// Package testutil provides a recording fake of the loyalty ledger API and
// database helpers for tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"loyaltyshop/internal/ledger"
)

const (
	TenantID    = "tenant-1"
	BearerToken = "secret-token"
)

// Op identifies a ledger endpoint.
type Op string

const (
	OpAddToCart  Op = "add_to_cart"
	OpRemoveItem Op = "remove_item"
	OpRemoveAll  Op = "remove_all"
	OpPurchase   Op = "purchase"
	OpClaim      Op = "claim"
	OpTier       Op = "tier"
	OpEvent      Op = "event"
)

// Call is one request received by the fake.
type Call struct {
	Op            Op
	Method        string
	Path          string
	Email         string
	Authorization string
	ContentType   string
	Body          []byte
}

// JSON decodes the request body into v.
func (c Call) JSON(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(c.Body, v); err != nil {
		t.Fatalf("failed to decode %s body %q: %v", c.Op, c.Body, err)
	}
}

// FakeLedger is an httptest server speaking the ledger's REST API. Every
// endpoint answers 200 until configured otherwise.
type FakeLedger struct {
	Server *httptest.Server

	mu        sync.Mutex
	calls     []Call
	statuses  map[Op]int
	claimBody string
	tiers     map[string]string
}

// NewFakeLedger starts a fake ledger that is closed with the test.
func NewFakeLedger(t *testing.T) *FakeLedger {
	t.Helper()
	f := &FakeLedger{
		statuses:  make(map[Op]int),
		claimBody: `{"discountCode":"ABC123","discount":20}`,
		tiers:     make(map[string]string),
	}

	r := chi.NewRouter()
	r.Post("/api/v1/loyalty/shop/{email}/cart/add", f.handle(OpAddToCart, nil))
	r.Delete("/api/v1/loyalty/shop/{email}/cart/remove", f.handle(OpRemoveItem, nil))
	r.Delete("/api/v1/loyalty/shop/{email}/cart", f.handle(OpRemoveAll, nil))
	r.Post("/api/v1/loyalty/shop/{email}/cart/purchase", f.handle(OpPurchase, nil))
	r.Post("/api/v1/discount/{email}/claim", f.handle(OpClaim, func(email string) string {
		return f.claimBody
	}))
	r.Get("/api/v1/contact/{email}/loyalty_status", f.handle(OpTier, func(email string) string {
		tier, ok := f.tiers[email]
		if !ok {
			return `{}`
		}
		data, _ := json.Marshal(map[string]string{"currentTier": tier})
		return string(data)
	}))
	r.Post("/api/v1/events", f.handle(OpEvent, nil))

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *FakeLedger) handle(op Op, body func(email string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		email := chi.URLParam(r, "email")

		f.mu.Lock()
		f.calls = append(f.calls, Call{
			Op:            op,
			Method:        r.Method,
			Path:          r.URL.EscapedPath(),
			Email:         email,
			Authorization: r.Header.Get("Authorization"),
			ContentType:   r.Header.Get("Content-Type"),
			Body:          data,
		})
		status, ok := f.statuses[op]
		if !ok {
			status = http.StatusOK
		}
		payload := `{}`
		if body != nil {
			payload = body(email)
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}
}

// SetStatus makes op answer with status.
func (f *FakeLedger) SetStatus(op Op, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[op] = status
}

// SetClaimResponse sets the raw JSON returned by discount claims.
func (f *FakeLedger) SetClaimResponse(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimBody = body
}

// SetTier sets the tier reported for email.
func (f *FakeLedger) SetTier(email, tier string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiers[email] = tier
}

// Calls returns a copy of every recorded call.
func (f *FakeLedger) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsTo returns the recorded calls for op.
func (f *FakeLedger) CallsTo(op Op) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many times op was called.
func (f *FakeLedger) Count(op Op) int {
	return len(f.CallsTo(op))
}

// Config returns a ledger configuration pointing at the fake.
func (f *FakeLedger) Config() ledger.Config {
	return ledger.Config{
		BaseURL:     f.Server.URL,
		TenantID:    TenantID,
		BearerToken: BearerToken,
	}
}

// Client returns a real ledger client wired to the fake.
func (f *FakeLedger) Client() *ledger.Client {
	return ledger.NewClient(f.Config(), zap.NewNop())
}
