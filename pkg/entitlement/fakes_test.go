package entitlement_test

import (
	"context"
	"sync"

	"github.com/mihaimyh/cardsync/pkg/billing"
	"github.com/mihaimyh/cardsync/pkg/entitlement"
	"github.com/mihaimyh/cardsync/storage/memory"
)

// fakeProvider serves canned customers and subscriptions.
type fakeProvider struct {
	mu        sync.Mutex
	customers map[string][]billing.Customer     // email -> customers
	subs      map[string][]billing.Subscription // customer -> subscriptions
	listErr   error
	listCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers: make(map[string][]billing.Customer),
		subs:      make(map[string][]billing.Subscription),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) GetCustomersByEmail(_ context.Context, email string) ([]billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customers[email], nil
}

func (f *fakeProvider) GetCustomer(_ context.Context, id string) (*billing.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cs := range f.customers {
		for _, c := range cs {
			if c.ID == id {
				out := c
				return &out, nil
			}
		}
	}
	return nil, billing.ErrCustomerNotFound
}

func (f *fakeProvider) ListSubscriptions(_ context.Context, customerID, _ string) ([]billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]billing.Subscription(nil), f.subs[customerID]...), nil
}

func (f *fakeProvider) GetSubscription(_ context.Context, id string) (*billing.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, subs := range f.subs {
		for _, s := range subs {
			if s.SubscriptionID == id {
				out := s
				return &out, nil
			}
		}
	}
	return nil, billing.ErrSubscriptionNotFound
}

func (f *fakeProvider) CreateCheckoutSession(context.Context, billing.CheckoutRequest) (*billing.Session, error) {
	return &billing.Session{ID: "cs_fake", URL: "https://checkout.example/cs_fake"}, nil
}

func (f *fakeProvider) CreatePortalSession(_ context.Context, customerID, _ string) (*billing.Session, error) {
	return &billing.Session{ID: "bps_fake", URL: "https://portal.example/" + customerID}, nil
}

func (f *fakeProvider) VerifyWebhookSignature([]byte, string, string) (*billing.Event, error) {
	return nil, billing.ErrSignatureInvalid
}

// logLine is one captured log call.
type logLine struct {
	level  string
	msg    string
	fields map[string]interface{}
}

// recordingLogger keeps every line for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
}

func (l *recordingLogger) record(level, msg string, fields []entitlement.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := logLine{level: level, msg: msg, fields: make(map[string]interface{}, len(fields))}
	for _, f := range fields {
		line.fields[f.Key] = f.Value
	}
	l.lines = append(l.lines, line)
}

func (l *recordingLogger) Debug(msg string, fields ...entitlement.Field) {
	l.record("debug", msg, fields)
}

func (l *recordingLogger) Info(msg string, fields ...entitlement.Field) {
	l.record("info", msg, fields)
}

func (l *recordingLogger) Warn(msg string, fields ...entitlement.Field) {
	l.record("warn", msg, fields)
}

func (l *recordingLogger) Error(msg string, fields ...entitlement.Field) {
	l.record("error", msg, fields)
}

// usersWith returns the user_id of every line logged with msg.
func (l *recordingLogger) usersWith(msg string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for _, line := range l.lines {
		if line.msg == msg {
			id, _ := line.fields["user_id"].(string)
			ids = append(ids, id)
		}
	}
	return ids
}

// renewingStore renews one user between ListExpired and Downgrade, as a
// concurrent webhook would.
type renewingStore struct {
	*memory.Storage
	renew *entitlement.User
}

func (s *renewingStore) ListExpired(ctx context.Context, q entitlement.ExpiryQuery) ([]*entitlement.User, error) {
	users, err := s.Storage.ListExpired(ctx, q)
	if err == nil && s.renew != nil {
		s.Storage.Put(s.renew)
		s.renew = nil
	}
	return users, err
}
