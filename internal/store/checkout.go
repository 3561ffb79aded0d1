package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/shopspring/decimal"
)

func generateOrderNumber() string {
	return fmt.Sprintf("ORD-%d", time.Now().UnixNano())
}

type checkoutLine struct {
	bookID    int64
	quantity  int
	unitPrice decimal.Decimal
}

// Checkout converts the user's cart into an order. Inside one serializable
// transaction it re-validates every line against live stock under row locks,
// snapshots current prices into order lines, consumes stock and clears the
// cart. Any failure rolls the whole scope back: no partial order, no partial
// decrement, cart untouched.
func Checkout(ctx context.Context, db *sql.DB, userID int64) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var cartID int64
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM carts WHERE user_id = $1",
			userID).Scan(&cartID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrCartNotFound
			}
			return fmt.Errorf("get cart: %w", err)
		}

		lines, err := loadCheckoutLines(ctx, tx, cartID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return database.ErrEmptyCart
		}

		totalPrice := decimal.Zero
		for i := range lines {
			book, err := LockBook(ctx, tx, lines[i].bookID)
			if err != nil {
				return err
			}

			if book.Stock < lines[i].quantity {
				return &InsufficientStockError{
					BookID:    book.ID,
					Requested: lines[i].quantity,
					Available: book.Stock,
				}
			}

			lines[i].unitPrice = book.Price
			totalPrice = totalPrice.Add(book.Price.Mul(decimal.NewFromInt(int64(lines[i].quantity))))
		}

		var orderID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, order_number, status, total_price, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, NOW(), NOW(), 1)
			 RETURNING id`,
			userID, generateOrderNumber(), models.OrderStatusPending, totalPrice).Scan(&orderID)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		for _, line := range lines {
			subtotal := line.unitPrice.Mul(decimal.NewFromInt(int64(line.quantity)))

			_, err = tx.ExecContext(ctx,
				`INSERT INTO order_lines (order_id, book_id, quantity, unit_price, subtotal, created_at)
				 VALUES ($1, $2, $3, $4, $5, NOW())`,
				orderID, line.bookID, line.quantity, line.unitPrice, subtotal)
			if err != nil {
				return fmt.Errorf("create order line: %w", err)
			}

			if err := ReserveStock(ctx, tx, line.bookID, line.quantity); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			"DELETE FROM cart_lines WHERE cart_id = $1", cartID)
		if err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}

		order, err = getOrder(ctx, tx, orderID)
		if err != nil {
			return fmt.Errorf("fetch created order: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}

// Lines come back ordered by book id so concurrent checkouts lock books in
// the same order and cannot deadlock each other.
func loadCheckoutLines(ctx context.Context, tx *sql.Tx, cartID int64) ([]checkoutLine, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT book_id, quantity
		 FROM cart_lines
		 WHERE cart_id = $1
		 ORDER BY book_id`,
		cartID)
	if err != nil {
		return nil, fmt.Errorf("load cart lines: %w", err)
	}
	defer rows.Close()

	var lines []checkoutLine
	for rows.Next() {
		var line checkoutLine
		if err := rows.Scan(&line.bookID, &line.quantity); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// CancelOrder reverses a pending order: every line's stock is released and
// the status flips to cancelled, atomically. Orders in any other status are
// rejected; the order row itself stays as a historical record.
func CancelOrder(ctx context.Context, db *sql.DB, orderID int64) (*models.Order, error) {
	var order *models.Order

	err := database.WithRetry(ctx, db, database.SerializableTxOptions(), func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx,
			"SELECT status FROM orders WHERE id = $1 FOR UPDATE",
			orderID).Scan(&status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}

		if status != models.OrderStatusPending {
			return database.ErrInvalidStatusTransition
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT book_id, quantity
			 FROM order_lines
			 WHERE order_id = $1
			 ORDER BY book_id`,
			orderID)
		if err != nil {
			return fmt.Errorf("load order lines: %w", err)
		}
		defer rows.Close()

		var lines []checkoutLine
		for rows.Next() {
			var line checkoutLine
			if err := rows.Scan(&line.bookID, &line.quantity); err != nil {
				return fmt.Errorf("scan order line: %w", err)
			}
			lines = append(lines, line)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}

		for _, line := range lines {
			if err := ReleaseStock(ctx, tx, line.bookID, line.quantity); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders
			 SET status = $1, updated_at = NOW(), version = version + 1
			 WHERE id = $2`,
			models.OrderStatusCancelled, orderID)
		if err != nil {
			return fmt.Errorf("cancel order: %w", err)
		}

		order, err = getOrder(ctx, tx, orderID)
		if err != nil {
			return fmt.Errorf("fetch cancelled order: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return order, nil
}
