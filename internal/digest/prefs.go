package digest

import (
	"fmt"
	"strings"
	"time"

	"biowatch/internal/store"
)

// DefaultProfileName is the profile used when a subscriber names none.
const DefaultProfileName = "default"

var deliveryTimeLayouts = []string{"15:04", "3:04 PM", "3:04PM", "3:04 pm", "3:04pm"}

// ParseDeliveryTime canonicalizes a delivery time to "HH:00". Digests run
// at top-of-hour granularity, so any non-zero minute is rejected here, at
// set time, rather than silently rounded.
func ParseDeliveryTime(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	for _, layout := range deliveryTimeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Minute() != 0 {
			return "", fmt.Errorf("%w: delivery time %q must be on the hour", ErrInvalidPreference, s)
		}
		return fmt.Sprintf("%02d:00", t.Hour()), nil
	}
	return "", fmt.Errorf("%w: unrecognized delivery time %q", ErrInvalidPreference, s)
}

// ValidatePreference checks a preference before it is persisted. The
// matcher assumes every stored preference already passed here.
func ValidatePreference(p *store.DigestPreference, maxLimit int) error {
	if (p.UserID == "") == (p.ChannelID == "") {
		return fmt.Errorf("%w: exactly one of user and channel must be set", ErrInvalidPreference)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: profile name is required", ErrInvalidPreference)
	}
	if p.Limit < 0 || p.Limit > maxLimit {
		return fmt.Errorf("%w: limit must be between 0 and %d", ErrInvalidPreference, maxLimit)
	}
	if p.MinCVSS != nil && (*p.MinCVSS < 0 || *p.MinCVSS > 10) {
		return fmt.Errorf("%w: min CVSS must be between 0 and 10", ErrInvalidPreference)
	}
	if p.MinScore != nil && (*p.MinScore < 0 || *p.MinScore > 10) {
		return fmt.Errorf("%w: min relevance score must be between 0 and 10", ErrInvalidPreference)
	}
	if p.DeliveryTime != "" {
		canonical, err := ParseDeliveryTime(p.DeliveryTime)
		if err != nil {
			return err
		}
		if canonical != p.DeliveryTime {
			return fmt.Errorf("%w: delivery time must be stored as HH:00", ErrInvalidPreference)
		}
	}
	return nil
}
