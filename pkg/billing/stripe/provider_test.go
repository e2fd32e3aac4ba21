package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

func TestNewClient_RequiresAPIKey(t *testing.T) {
	_, err := NewClient(billing.Config{APIKey: "  "})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	c, err := NewClient(billing.Config{APIKey: testStripeAPIKey})
	require.NoError(t, err)
	assert.Equal(t, "stripe", c.Name())
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		notFound error
		want     error
	}{
		{name: "transport", err: errors.New("dial tcp: connection refused"), want: billing.ErrProviderUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: billing.ErrProviderUnavailable},
		{name: "server error", err: &stripe.Error{HTTPStatusCode: 502}, want: billing.ErrProviderUnavailable},
		{name: "throttled", err: &stripe.Error{HTTPStatusCode: 429}, want: billing.ErrProviderUnavailable},
		{name: "bad request", err: &stripe.Error{HTTPStatusCode: 400}, want: billing.ErrProviderRejected},
		{name: "auth", err: &stripe.Error{HTTPStatusCode: 401}, want: billing.ErrProviderRejected},
		{
			name:     "missing resource",
			err:      &stripe.Error{HTTPStatusCode: 404},
			notFound: billing.ErrSubscriptionNotFound,
			want:     billing.ErrSubscriptionNotFound,
		},
		{name: "missing without mapping", err: &stripe.Error{HTTPStatusCode: 404}, want: billing.ErrProviderRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyError("op", tt.err, tt.notFound), tt.want)
		})
	}
}

func newBackedClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(billing.Config{
		APIKey:     testStripeAPIKey,
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestListSubscriptions(t *testing.T) {
	var gotQuery string
	c := newBackedClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","url":"/v1/subscriptions","has_more":false,"data":[
			{"id":"sub_a","object":"subscription","status":"canceled","customer":"cus_1"},
			{"id":"sub_b","object":"subscription","status":"active","customer":"cus_1",
			 "items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","current_period_end":1769904000}]}}
		]}`)
	})

	subs, err := c.ListSubscriptions(context.Background(), "cus_1", "")
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Contains(t, gotQuery, "customer=cus_1")
	assert.Contains(t, gotQuery, "status=all")

	current := billing.SelectCurrent(subs)
	require.NotNil(t, current)
	assert.Equal(t, "sub_b", current.SubscriptionID)
	require.NotNil(t, current.CurrentPeriodEnd)
	assert.Equal(t, int64(1769904000), current.CurrentPeriodEnd.Unix())
}

func TestListSubscriptions_ServerErrorIsUnavailable(t *testing.T) {
	c := newBackedClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"type":"api_error","message":"try later"}}`)
	})

	_, err := c.ListSubscriptions(context.Background(), "cus_1", "")
	assert.ErrorIs(t, err, billing.ErrProviderUnavailable)
}

func TestGetCustomersByEmail_MultipleCustomers(t *testing.T) {
	c := newBackedClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","url":"/v1/customers","has_more":false,"data":[
			{"id":"cus_1","object":"customer","email":"shared@x.com","metadata":{"user_id":"u1"}},
			{"id":"cus_2","object":"customer","email":"shared@x.com","metadata":{}}
		]}`)
	})

	customers, err := c.GetCustomersByEmail(context.Background(), "shared@x.com")
	require.NoError(t, err)
	require.Len(t, customers, 2)
	assert.Equal(t, "u1", customers[0].UserID)
	assert.Empty(t, customers[1].UserID)
}

func TestGetSubscription_NotFound(t *testing.T) {
	c := newBackedClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such subscription"}}`)
	})

	_, err := c.GetSubscription(context.Background(), "sub_missing")
	assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
}

func TestCreateCheckoutSession_RequiresUserAndPrice(t *testing.T) {
	c := newTestClient(t)
	_, err := c.CreateCheckoutSession(context.Background(), billing.CheckoutRequest{PriceID: "price_1"})
	assert.ErrorIs(t, err, billing.ErrProviderRejected)
}

func TestCreateCheckoutSession_SendsUserMetadata(t *testing.T) {
	var form map[string][]string
	c := newBackedClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.com/c/cs_1"}`)
	})

	session, err := c.CreateCheckoutSession(context.Background(), billing.CheckoutRequest{
		UserID:     "u1",
		Email:      "u1@example.com",
		PriceID:    "price_m",
		SuccessURL: "https://app/success",
		CancelURL:  "https://app/cancel",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.com/c/cs_1", session.URL)
	assert.Equal(t, []string{"u1"}, form["client_reference_id"])
	assert.Equal(t, []string{"u1"}, form["subscription_data[metadata][user_id]"])
	assert.Equal(t, []string{"u1"}, form["metadata[user_id]"])
	assert.Equal(t, []string{"u1@example.com"}, form["customer_email"])
}
