package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalIdentifierLiveAt(t *testing.T) {
	issued := time.Date(2024, 3, 21, 12, 0, 0, 0, time.UTC)
	sig := &SignalIdentifier{
		ID:          "sig_1",
		SourceClass: SourceDistribution,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(7 * 24 * time.Hour),
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before issuance", issued.Add(-10 * 24 * time.Hour), false},
		{"just before issuance", issued.Add(-time.Nanosecond), false},
		{"at issuance", issued, true},
		{"mid lifetime", issued.Add(3 * 24 * time.Hour), true},
		{"just before expiry", sig.ExpiresAt.Add(-time.Nanosecond), true},
		{"at expiry", sig.ExpiresAt, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sig.LiveAt(tt.at))
		})
	}
}
