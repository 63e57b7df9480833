package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapCategory(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Food Delivery", "Food Delivery"},
		{"food delivery", "Food Delivery"},
		{"online shopping spree", "Shopping"},
		{"my shopee order", "Shopee"},
		{"Groceries", "Other"},
		{"", "Other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SnapCategory(tt.in), "input %q", tt.in)
	}
}

func TestValidCategory(t *testing.T) {
	assert.True(t, ValidCategory("Transport"))
	assert.False(t, ValidCategory("transport"))
	assert.False(t, ValidCategory("Groceries"))
}
