package store

import (
	"fmt"

	"github.com/safar/go-bookstore/internal/database"
)

// InsufficientStockError names the offending book and the live stock count.
// It unwraps to database.ErrInsufficientStock so callers that only care
// about the class can keep using errors.Is.
type InsufficientStockError struct {
	BookID    int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for book %d: requested %d, available %d",
		e.BookID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return database.ErrInsufficientStock
}
