package database

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassPermanent
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001":
			return ErrorClassSerialization
		case "40P01":
			return ErrorClassDeadlock
		case "55P03":
			return ErrorClassTransient
		case "23505", "23503", "23502", "23514":
			return ErrorClassPermanent
		}
	}

	// ErrLockTimeout stands in for a 55P03 the driver error has already
	// been translated away from; a retry may find the row unlocked.
	if errors.Is(err, ErrLockTimeout) {
		return ErrorClassTransient
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrorClassPermanent
	}

	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	class := ClassifyError(err)
	return class == ErrorClassTransient ||
		class == ErrorClassDeadlock ||
		class == ErrorClassSerialization
}

var (
	ErrUserNotFound            = errors.New("user not found")
	ErrBookNotFound            = errors.New("book not found")
	ErrCartNotFound            = errors.New("cart not found")
	ErrCartLineNotFound        = errors.New("cart line not found")
	ErrOrderNotFound           = errors.New("order not found")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrInvalidQuantity         = errors.New("quantity must be at least 1")
	ErrEmptyCart               = errors.New("cart is empty")
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	ErrOptimisticLockFailed    = errors.New("optimistic lock failed")
	ErrLockTimeout             = errors.New("lock timeout")
)
