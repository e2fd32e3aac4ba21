package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/cardsync/pkg/billing"
)

const day = 24 * time.Hour

// subscriptionPayload is the subset of a Stripe subscription object the
// reconciliation core reads. Depending on API version current_period_end
// lives on the subscription or on each item, so both are decoded.
type subscriptionPayload struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Customer         expandable        `json:"customer"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []subscriptionItemPayload `json:"data"`
	} `json:"items"`
}

type subscriptionItemPayload struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Price            struct {
		ID        string            `json:"id"`
		Recurring *recurringPayload `json:"recurring"`
	} `json:"price"`
}

type recurringPayload struct {
	Interval      string `json:"interval"`
	IntervalCount int64  `json:"interval_count"`
}

// expandable decodes a Stripe field that is either an ID string or an
// expanded object.
type expandable struct {
	ID    string
	Email string
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID, e.Email = obj.ID, obj.Email
	return nil
}

// NormalizeSubscription turns a raw Stripe subscription object into a
// billing.Subscription. The period end is taken from the latest item-level
// current_period_end, then the top-level current_period_end, else left nil.
func NormalizeSubscription(raw json.RawMessage) (billing.Subscription, error) {
	var p subscriptionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return billing.Subscription{}, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidPayload, err)
	}
	if p.ID == "" {
		return billing.Subscription{}, fmt.Errorf("%w: subscription without id", billing.ErrInvalidPayload)
	}
	return normalize(&p), nil
}

func normalize(p *subscriptionPayload) billing.Subscription {
	out := billing.Subscription{
		CustomerID:     p.Customer.ID,
		SubscriptionID: p.ID,
		Status:         normalizeStatus(p.Status),
		CustomerEmail:  p.Customer.Email,
		UserID:         p.Metadata[metadataUserID],
	}

	var periodEnd int64
	for _, item := range p.Items.Data {
		if item.CurrentPeriodEnd > periodEnd {
			periodEnd = item.CurrentPeriodEnd
		}
		if out.BillingInterval == 0 && item.Price.Recurring != nil {
			out.BillingInterval = intervalDuration(item.Price.Recurring.Interval, item.Price.Recurring.IntervalCount)
		}
	}
	if periodEnd == 0 {
		periodEnd = p.CurrentPeriodEnd
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		out.CurrentPeriodEnd = &t
	}
	return out
}

// snapshotFromSDK adapts a stripe-go subscription to the payload shape so
// API responses and webhook bodies share one normalization path.
func snapshotFromSDK(sub *stripe.Subscription) billing.Subscription {
	p := subscriptionPayload{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		p.Customer = expandable{ID: sub.Customer.ID, Email: sub.Customer.Email}
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			ip := subscriptionItemPayload{CurrentPeriodEnd: item.CurrentPeriodEnd}
			if item.Price != nil {
				ip.Price.ID = item.Price.ID
				if item.Price.Recurring != nil {
					ip.Price.Recurring = &recurringPayload{
						Interval:      string(item.Price.Recurring.Interval),
						IntervalCount: item.Price.Recurring.IntervalCount,
					}
				}
			}
			p.Items.Data = append(p.Items.Data, ip)
		}
	}
	return normalize(&p)
}

// normalizeStatus maps Stripe subscription statuses onto billing.Status.
// Unknown statuses fail closed as incomplete.
func normalizeStatus(s string) billing.Status {
	switch s {
	case "active":
		return billing.StatusActive
	case "trialing":
		return billing.StatusTrialing
	case "past_due", "unpaid":
		return billing.StatusPastDue
	case "canceled", "incomplete_expired", "paused":
		return billing.StatusCanceled
	default:
		return billing.StatusIncomplete
	}
}

func intervalDuration(interval string, count int64) time.Duration {
	if count <= 0 {
		count = 1
	}
	var unit time.Duration
	switch interval {
	case "day":
		unit = day
	case "week":
		unit = 7 * day
	case "month":
		unit = 30 * day
	case "year":
		unit = 365 * day
	default:
		return 0
	}
	return time.Duration(count) * unit
}
