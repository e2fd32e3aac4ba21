package stripe

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

func TestNormalizeSubscription_PeriodEndFallback(t *testing.T) {
	itemEnd := int64(1767225600) // 2026-01-01
	topEnd := int64(1764547200)  // 2025-12-01

	tests := []struct {
		name string
		raw  string
		want *int64
	}{
		{
			name: "item level wins",
			raw: `{"id":"sub_1","status":"active","customer":"cus_1","current_period_end":1764547200,
				"items":{"data":[{"current_period_end":1767225600}]}}`,
			want: &itemEnd,
		},
		{
			name: "latest item when several",
			raw: `{"id":"sub_1","status":"active","customer":"cus_1",
				"items":{"data":[{"current_period_end":1764547200},{"current_period_end":1767225600}]}}`,
			want: &itemEnd,
		},
		{
			name: "top level when items carry none",
			raw:  `{"id":"sub_1","status":"active","customer":"cus_1","current_period_end":1764547200,"items":{"data":[{}]}}`,
			want: &topEnd,
		},
		{
			name: "nil when absent everywhere",
			raw:  `{"id":"sub_1","status":"active","customer":"cus_1"}`,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := NormalizeSubscription(json.RawMessage(tt.raw))
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, snap.CurrentPeriodEnd)
				return
			}
			require.NotNil(t, snap.CurrentPeriodEnd)
			assert.Equal(t, time.Unix(*tt.want, 0).UTC(), *snap.CurrentPeriodEnd)
		})
	}
}

func TestNormalizeSubscription_Fields(t *testing.T) {
	raw := `{
		"id": "sub_123",
		"status": "trialing",
		"customer": {"id": "cus_9", "email": "ada@example.com"},
		"metadata": {"user_id": "u1"},
		"items": {"data": [{"price": {"id": "price_y", "recurring": {"interval": "year", "interval_count": 1}}}]}
	}`

	snap, err := NormalizeSubscription(json.RawMessage(raw))
	require.NoError(t, err)
	assert.Equal(t, "sub_123", snap.SubscriptionID)
	assert.Equal(t, "cus_9", snap.CustomerID)
	assert.Equal(t, "ada@example.com", snap.CustomerEmail)
	assert.Equal(t, "u1", snap.UserID)
	assert.Equal(t, billing.StatusTrialing, snap.Status)
	assert.Equal(t, 365*24*time.Hour, snap.BillingInterval)
}

func TestNormalizeSubscription_Invalid(t *testing.T) {
	_, err := NormalizeSubscription(json.RawMessage(`{"status":"active"}`))
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)

	_, err = NormalizeSubscription(json.RawMessage(`not json`))
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]billing.Status{
		"active":             billing.StatusActive,
		"trialing":           billing.StatusTrialing,
		"past_due":           billing.StatusPastDue,
		"unpaid":             billing.StatusPastDue,
		"canceled":           billing.StatusCanceled,
		"incomplete_expired": billing.StatusCanceled,
		"paused":             billing.StatusCanceled,
		"incomplete":         billing.StatusIncomplete,
		"something_new":      billing.StatusIncomplete,
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeStatus(in), in)
	}
}

func TestIntervalDuration(t *testing.T) {
	assert.Equal(t, 30*day, intervalDuration("month", 1))
	assert.Equal(t, 90*day, intervalDuration("month", 3))
	assert.Equal(t, 14*day, intervalDuration("week", 2))
	assert.Equal(t, day, intervalDuration("day", 0))
	assert.Equal(t, time.Duration(0), intervalDuration("fortnight", 1))
}
