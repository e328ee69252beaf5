// Package memory is an in-process billing provider for development and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/trustmeter/internal/billing/domain"
)

const Name = "memory"

type usageLine struct {
	metric   string
	quantity int64
}

type Provider struct {
	mu sync.Mutex

	unavailable   bool
	customers     map[string]domain.Customer
	subscriptions map[string]domain.Subscription
	usage         map[string][]usageLine
	seenKeys      map[string]struct{}
	now           func() time.Time
}

func New() *Provider {
	return &Provider{
		customers:     make(map[string]domain.Customer),
		subscriptions: make(map[string]domain.Subscription),
		usage:         make(map[string][]usageLine),
		seenKeys:      make(map[string]struct{}),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (p *Provider) Name() string { return Name }

// SetUnavailable makes every call fail with ErrProviderUnavailable.
func (p *Provider) SetUnavailable(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unavailable = v
}

func (p *Provider) CreateCustomer(ctx context.Context, tenantID, name string) (domain.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return domain.Customer{}, domain.ErrProviderUnavailable
	}
	if strings.TrimSpace(tenantID) == "" {
		return domain.Customer{}, domain.ErrProviderRejected
	}
	c := domain.Customer{Ref: "cus_" + uuid.NewString(), TenantID: tenantID, Name: name}
	p.customers[c.Ref] = c
	return c, nil
}

func (p *Provider) CreateSubscription(ctx context.Context, customerRef, planID string) (domain.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return domain.Subscription{}, domain.ErrProviderUnavailable
	}
	if _, ok := p.customers[customerRef]; !ok {
		return domain.Subscription{}, domain.ErrProviderNotFound
	}
	s := domain.Subscription{
		Ref:         "sub_" + uuid.NewString(),
		CustomerRef: customerRef,
		PlanID:      planID,
		Status:      "active",
	}
	p.subscriptions[s.Ref] = s
	return s, nil
}

func (p *Provider) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return domain.ErrProviderUnavailable
	}
	s, ok := p.subscriptions[subscriptionRef]
	if !ok {
		return domain.ErrProviderNotFound
	}
	s.Status = "cancelled"
	p.subscriptions[subscriptionRef] = s
	return nil
}

func (p *Provider) RecordUsage(ctx context.Context, subscriptionRef, metric string, quantity int64, idempotencyKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return domain.ErrProviderUnavailable
	}
	s, ok := p.subscriptions[subscriptionRef]
	if !ok {
		return domain.ErrProviderNotFound
	}
	if s.Status != "active" || quantity < 0 {
		return domain.ErrProviderRejected
	}
	if idempotencyKey != "" {
		if _, seen := p.seenKeys[idempotencyKey]; seen {
			return nil
		}
		p.seenKeys[idempotencyKey] = struct{}{}
	}
	p.usage[subscriptionRef] = append(p.usage[subscriptionRef], usageLine{metric: metric, quantity: quantity})
	return nil
}

// GetInvoices returns one draft invoice per subscription holding the usage
// recorded so far. Amounts are left zero; pricing lives on the caller side.
func (p *Provider) GetInvoices(ctx context.Context, customerRef string) ([]domain.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unavailable {
		return nil, domain.ErrProviderUnavailable
	}
	if _, ok := p.customers[customerRef]; !ok {
		return nil, domain.ErrProviderNotFound
	}

	refs := make([]string, 0)
	for ref, s := range p.subscriptions {
		if s.CustomerRef == customerRef {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)

	invoices := make([]domain.Invoice, 0, len(refs))
	for _, ref := range refs {
		lines := p.usage[ref]
		if len(lines) == 0 {
			continue
		}
		inv := domain.Invoice{
			Ref:         "inv_" + strings.TrimPrefix(ref, "sub_"),
			CustomerRef: customerRef,
			Status:      "draft",
			Currency:    "USD",
			Total:       decimal.Zero,
			IssuedAt:    p.now(),
		}
		for _, l := range lines {
			inv.Lines = append(inv.Lines, domain.InvoiceLine{Metric: l.metric, Quantity: l.quantity, Amount: decimal.Zero})
		}
		invoices = append(invoices, inv)
	}
	return invoices, nil
}

// Usage returns the quantities recorded for a subscription, for assertions.
func (p *Provider) Usage(subscriptionRef string) map[string]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64)
	for _, l := range p.usage[subscriptionRef] {
		out[l.metric] += l.quantity
	}
	return out
}

var _ domain.Provider = (*Provider)(nil)
