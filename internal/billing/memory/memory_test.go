package memory

import (
	"context"
	"testing"

	"github.com/smallbiznis/trustmeter/internal/billing/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := New()

	cus, err := p.CreateCustomer(ctx, "acme", "Acme")
	require.NoError(t, err)
	sub, err := p.CreateSubscription(ctx, cus.Ref, "free")
	require.NoError(t, err)

	require.NoError(t, p.RecordUsage(ctx, sub.Ref, "events", 10, "k1"))
	require.NoError(t, p.RecordUsage(ctx, sub.Ref, "events", 10, "k1"))
	require.NoError(t, p.RecordUsage(ctx, sub.Ref, "api_calls", 3, "k2"))
	assert.Equal(t, map[string]int64{"events": 10, "api_calls": 3}, p.Usage(sub.Ref))

	invoices, err := p.GetInvoices(ctx, cus.Ref)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Len(t, invoices[0].Lines, 2)

	require.NoError(t, p.CancelSubscription(ctx, sub.Ref))
	assert.ErrorIs(t, p.RecordUsage(ctx, sub.Ref, "events", 1, "k3"), domain.ErrProviderRejected)
}

func TestProviderUnavailable(t *testing.T) {
	p := New()
	p.SetUnavailable(true)
	_, err := p.CreateCustomer(context.Background(), "acme", "Acme")
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)

	p.SetUnavailable(false)
	assert.ErrorIs(t, p.CancelSubscription(context.Background(), "sub_x"), domain.ErrProviderNotFound)
}
