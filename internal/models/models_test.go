package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCartTotals(t *testing.T) {
	cart := &Cart{
		Lines: []CartLine{
			{Quantity: 3, Book: Book{Price: decimal.RequireFromString("10.00")}},
			{Quantity: 2, Book: Book{Price: decimal.RequireFromString("4.50")}},
		},
	}

	if !cart.TotalPrice().Equal(decimal.RequireFromString("39.00")) {
		t.Errorf("Expected total 39.00, got %s", cart.TotalPrice())
	}
	if cart.TotalItems() != 5 {
		t.Errorf("Expected 5 items, got %d", cart.TotalItems())
	}
}

func TestCartTotalsEmpty(t *testing.T) {
	cart := &Cart{}

	if !cart.TotalPrice().Equal(decimal.Zero) {
		t.Errorf("Expected zero total, got %s", cart.TotalPrice())
	}
	if cart.TotalItems() != 0 {
		t.Errorf("Expected 0 items, got %d", cart.TotalItems())
	}
}

func TestCanTransitionStatus(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{OrderStatusPending, OrderStatusProcessing, true},
		{OrderStatusProcessing, OrderStatusCompleted, true},
		{OrderStatusPending, OrderStatusCompleted, false},
		{OrderStatusPending, OrderStatusCancelled, false},
		{OrderStatusCompleted, OrderStatusProcessing, false},
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusCompleted, OrderStatusCancelled, false},
	}

	for _, c := range cases {
		if got := CanTransitionStatus(c.from, c.to); got != c.want {
			t.Errorf("CanTransitionStatus(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
