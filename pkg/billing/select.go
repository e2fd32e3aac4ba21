package billing

// statusRank orders statuses by how strongly they describe the customer's
// current entitlement.
var statusRank = map[Status]int{
	StatusActive:     4,
	StatusTrialing:   4,
	StatusPastDue:    3,
	StatusIncomplete: 2,
	StatusCanceled:   1,
}

// SelectCurrent picks the subscription that determines a customer's
// entitlement: live subscriptions beat past_due, which beats incomplete and
// canceled. Ties go to the later period end. Returns nil for an empty slice.
func SelectCurrent(subs []Subscription) *Subscription {
	var best *Subscription
	for i := range subs {
		s := &subs[i]
		if best == nil {
			best = s
			continue
		}
		rs, rb := statusRank[s.Status], statusRank[best.Status]
		if rs > rb || (rs == rb && laterPeriod(s, best)) {
			best = s
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

func laterPeriod(a, b *Subscription) bool {
	switch {
	case a.CurrentPeriodEnd == nil:
		return false
	case b.CurrentPeriodEnd == nil:
		return true
	default:
		return a.CurrentPeriodEnd.After(*b.CurrentPeriodEnd)
	}
}

// MatchCustomer picks the customer belonging to userID: one whose metadata
// names the user, else the only customer found provided it names nobody
// else. Returns nil when no safe choice exists.
func MatchCustomer(customers []Customer, userID string) *Customer {
	for i := range customers {
		if userID != "" && customers[i].UserID == userID {
			c := customers[i]
			return &c
		}
	}
	if len(customers) == 1 && customers[0].UserID == "" {
		c := customers[0]
		return &c
	}
	return nil
}
