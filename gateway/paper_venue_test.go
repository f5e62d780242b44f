package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conditional-orders-go/order"
)

func TestPaperVenueFillLifecycle(t *testing.T) {
	rep := newFakeReporter()
	p := NewPaperVenue(PaperConfig{AutoAccept: true, Seed: 7})
	p.SetReporter(rep)
	ctx := context.Background()

	o := order.Order{ID: "A", Symbol: "BTCUSDT", Price: decimal.RequireFromString("100"), Quantity: decimal.RequireFromString("2")}
	require.NoError(t, p.Place(ctx, o))
	require.NoError(t, p.SimulateFill("A", decimal.RequireFromString("0.5")))
	require.NoError(t, p.SimulateFullFill("A"))

	reports := rep.Reports()
	require.Len(t, reports, 3)
	assert.Equal(t, order.StatusAccepted, reports[0].Status)
	assert.Equal(t, order.StatusPartiallyFilled, reports[1].Status)
	assert.True(t, decimal.RequireFromString("0.5").Equal(reports[1].Fill.Quantity))
	assert.Equal(t, order.StatusFilled, reports[2].Status)
	assert.True(t, decimal.RequireFromString("1.5").Equal(reports[2].Fill.Quantity))

	st, err := p.Query(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, st)

	assert.Error(t, p.Cancel(ctx, "A"))
	assert.Error(t, p.SimulateFullFill("A"))
}

func TestPaperVenueFailureInjection(t *testing.T) {
	p := NewPaperVenue(PaperConfig{TransientRate: 1, Seed: 3})
	err := p.Place(context.Background(), order.Order{ID: "A"})
	assert.True(t, errors.Is(err, ErrTransient))

	p.SetFailureRates(0, 1)
	err = p.Place(context.Background(), order.Order{ID: "A"})
	assert.True(t, errors.Is(err, ErrVenueRejected))
	assert.False(t, IsTransient(err))
}

func TestPaperVenueUnknownOrders(t *testing.T) {
	p := NewPaperVenue(PaperConfig{Seed: 1})
	ctx := context.Background()
	require.NoError(t, p.Place(ctx, order.Order{ID: "A", Quantity: decimal.NewFromInt(1)}))
	p.Drop("A")

	_, err := p.Query(ctx, "A")
	assert.True(t, errors.Is(err, ErrUnknownOrder))
	assert.True(t, errors.Is(p.Cancel(ctx, "A"), ErrUnknownOrder))
	assert.Equal(t, 0, p.GetStatistics()["total_orders"])
}
