package entitlement

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// StateHash returns a content hash of the entitlement fields. Timestamps
// are compared at second precision, the precision every store keeps.
func StateHash(f Fields) string {
	expiry := "-"
	if f.PremiumExpiresAt != nil {
		expiry = strconv.FormatInt(f.PremiumExpiresAt.Unix(), 10)
	}
	tier := f.Tier
	if tier == "" {
		tier = TierFree
	}
	canonical := strings.Join([]string{
		strconv.FormatBool(f.IsPremium),
		string(tier),
		expiry,
		f.BillingCustomerID,
		f.BillingSubscriptionID,
		string(f.SubscriptionStatus),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
