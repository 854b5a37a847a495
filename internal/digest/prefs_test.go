package digest

import (
	"errors"
	"testing"

	"biowatch/internal/store"
)

func TestParseDeliveryTime(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"09:00", "09:00", false},
		{"9:00", "09:00", false},
		{"17:00", "17:00", false},
		{"9 AM", "", true},
		{"9:00 AM", "09:00", false},
		{"5:00pm", "17:00", false},
		{"", "", false},
		{"09:05", "", true},
		{"9:30 PM", "", true},
		{"25:00", "", true},
		{"not a time", "", true},
	}
	for _, c := range cases {
		got, err := ParseDeliveryTime(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseDeliveryTime(%q) succeeded, want error", c.in)
			} else if !errors.Is(err, ErrInvalidPreference) {
				t.Errorf("ParseDeliveryTime(%q) error = %v, want ErrInvalidPreference", c.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDeliveryTime(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseDeliveryTime(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValidatePreference(t *testing.T) {
	valid := func() *store.DigestPreference {
		return &store.DigestPreference{UserID: "U1", Name: "default", Limit: 10}
	}

	if err := ValidatePreference(valid(), 25); err != nil {
		t.Errorf("valid preference rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(p *store.DigestPreference)
	}{
		{"no identity", func(p *store.DigestPreference) { p.UserID = "" }},
		{"both identities", func(p *store.DigestPreference) { p.ChannelID = "C1" }},
		{"empty name", func(p *store.DigestPreference) { p.Name = "" }},
		{"negative limit", func(p *store.DigestPreference) { p.Limit = -1 }},
		{"limit above cap", func(p *store.DigestPreference) { p.Limit = 26 }},
		{"min cvss out of range", func(p *store.DigestPreference) { v := 11.0; p.MinCVSS = &v }},
		{"min score out of range", func(p *store.DigestPreference) { v := -1; p.MinScore = &v }},
		{"off-hour delivery", func(p *store.DigestPreference) { p.DeliveryTime = "09:05" }},
		{"non-canonical delivery", func(p *store.DigestPreference) { p.DeliveryTime = "9:00" }},
	}
	for _, c := range cases {
		p := valid()
		c.mutate(p)
		err := ValidatePreference(p, 25)
		if err == nil {
			t.Errorf("%s: expected rejection", c.name)
			continue
		}
		if !errors.Is(err, ErrInvalidPreference) {
			t.Errorf("%s: error = %v, want ErrInvalidPreference", c.name, err)
		}
	}
}

func TestValidatePreferenceChannelOnly(t *testing.T) {
	p := &store.DigestPreference{ChannelID: "C1", Name: "team"}
	if err := ValidatePreference(p, 25); err != nil {
		t.Errorf("channel-only preference rejected: %v", err)
	}
}
