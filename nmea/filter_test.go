package nmea

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_Allows(t *testing.T) {
	tests := []struct {
		name   string
		accept []string
		deny   []string
		typ    string
		want   bool
	}{
		{"no rules", nil, nil, "GGA", true},
		{"accepted", []string{"GGA", "RMC"}, nil, "GGA", true},
		{"not accepted", []string{"RMC"}, nil, "GGA", false},
		{"empty accept set", []string{}, nil, "GGA", false},
		{"denied", nil, []string{"GGA"}, "GGA", false},
		{"not denied", nil, []string{"GGA"}, "RMC", true},
		{"empty deny set", nil, []string{}, "GGA", true},
		{"accepted and denied", []string{"GGA"}, []string{"GGA"}, "GGA", false},
		{"short type passes deny", nil, []string{"GGA"}, "G", true},
		{"short type fails accept", []string{"GGA"}, nil, "G", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(tt.accept, tt.deny)
			assert.Equal(t, tt.want, f.Allows(tt.typ))
		})
	}
}

// Delivery happens iff (accept unset or t in accept) and (deny unset or t not in deny).
func TestFilter_DeliveryRule(t *testing.T) {
	types := []string{"GGA", "RMC", "VTG", "HDT"}
	sets := [][]string{nil, {}, {"GGA"}, {"GGA", "RMC"}, {"VTG"}}

	in := func(set []string, t string) bool {
		for _, s := range set {
			if s == t {
				return true
			}
		}
		return false
	}

	for ai, accept := range sets {
		for di, deny := range sets {
			f := NewFilter(accept, deny)
			for _, typ := range types {
				want := (accept == nil || in(accept, typ)) && (deny == nil || !in(deny, typ))
				assert.Equal(t, want, f.Allows(typ), fmt.Sprintf("accept#%d deny#%d type %s", ai, di, typ))
			}
		}
	}
}

func TestFilter_AllowsMessage(t *testing.T) {
	f := NewFilter(nil, []string{"GGA"})
	assert.False(t, f.AllowsMessage(Message("$GPGGA,1\n")))
	assert.True(t, f.AllowsMessage(Message("$GPRMC,1\n")))
}
