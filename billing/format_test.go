package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/billdora/billing-engine/billing"
)

func TestFormatCurrency(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "$0.00"},
		{"5", "$5.00"},
		{"1250", "$1,250.00"},
		{"1234567.891", "$1,234,567.89"},
		{"0.005", "$0.01"},
		{"-200", "-$200.00"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, billing.FormatCurrency(dec(tt.in)))
		})
	}
}

func TestFormatPercentage(t *testing.T) {
	assert.Equal(t, "12.5%", billing.FormatPercentage(dec("12.50")))
	assert.Equal(t, "100%", billing.FormatPercentage(dec("100")))
}
