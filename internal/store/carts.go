package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
)

// EnsureCart returns the user's cart, creating it on first access. The
// no-op conflict update makes the insert return the existing row, so the
// call is idempotent.
func EnsureCart(ctx context.Context, db *sql.DB, userID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	query := `
		INSERT INTO carts (user_id, created_at, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET updated_at = carts.updated_at
		RETURNING id, user_id, created_at, updated_at`

	err := db.QueryRowContext(ctx, query, userID).Scan(
		&cart.ID,
		&cart.UserID,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure cart: %w", err)
	}

	return cart, nil
}

// GetCartByUser loads the cart with its lines and the current book row for
// each line, which is what the derived totals are computed from.
func GetCartByUser(ctx context.Context, db *sql.DB, userID int64) (*models.Cart, error) {
	cart := &models.Cart{}

	err := db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, updated_at
		 FROM carts
		 WHERE user_id = $1`,
		userID).Scan(
		&cart.ID,
		&cart.UserID,
		&cart.CreatedAt,
		&cart.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrCartNotFound
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}

	lines, err := getCartLines(ctx, db, cart.ID)
	if err != nil {
		return nil, err
	}
	cart.Lines = lines

	return cart, nil
}

func getCartLines(ctx context.Context, db *sql.DB, cartID int64) ([]models.CartLine, error) {
	query := `
		SELECT cl.id, cl.cart_id, cl.book_id, cl.quantity, cl.created_at, cl.updated_at,
		       b.id, b.isbn, b.title, b.author, b.description, b.price, b.stock, b.published_date, b.created_at, b.updated_at, b.version
		FROM cart_lines cl
		JOIN books b ON b.id = cl.book_id
		WHERE cl.cart_id = $1
		ORDER BY cl.id`

	rows, err := db.QueryContext(ctx, query, cartID)
	if err != nil {
		return nil, fmt.Errorf("get cart lines: %w", err)
	}
	defer rows.Close()

	var lines []models.CartLine
	for rows.Next() {
		var line models.CartLine
		err := rows.Scan(
			&line.ID,
			&line.CartID,
			&line.BookID,
			&line.Quantity,
			&line.CreatedAt,
			&line.UpdatedAt,
			&line.Book.ID,
			&line.Book.ISBN,
			&line.Book.Title,
			&line.Book.Author,
			&line.Book.Description,
			&line.Book.Price,
			&line.Book.Stock,
			&line.Book.PublishedDate,
			&line.Book.CreatedAt,
			&line.Book.UpdatedAt,
			&line.Book.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// AddLine puts a quantity of a book into a cart. An existing line for the
// same book accumulates. The accumulated quantity is validated against live
// stock here; checkout re-validates under a row lock, because stock can be
// consumed by other checkouts between the two points.
func AddLine(ctx context.Context, db *sql.DB, cartID, bookID int64, quantity int) (*models.CartLine, error) {
	if quantity < 1 {
		return nil, database.ErrInvalidQuantity
	}

	line := &models.CartLine{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM carts WHERE id = $1)",
			cartID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check cart exists: %w", err)
		}
		if !exists {
			return database.ErrCartNotFound
		}

		var stock int
		err = tx.QueryRowContext(ctx,
			"SELECT stock FROM books WHERE id = $1",
			bookID).Scan(&stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrBookNotFound
			}
			return fmt.Errorf("get book stock: %w", err)
		}

		existing := 0
		err = tx.QueryRowContext(ctx,
			"SELECT quantity FROM cart_lines WHERE cart_id = $1 AND book_id = $2",
			cartID, bookID).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get existing line: %w", err)
		}

		if existing+quantity > stock {
			return &InsufficientStockError{
				BookID:    bookID,
				Requested: existing + quantity,
				Available: stock,
			}
		}

		err = tx.QueryRowContext(ctx,
			`INSERT INTO cart_lines (cart_id, book_id, quantity, created_at, updated_at)
			 VALUES ($1, $2, $3, NOW(), NOW())
			 ON CONFLICT (cart_id, book_id) DO UPDATE
			 SET quantity = cart_lines.quantity + EXCLUDED.quantity,
			     updated_at = NOW()
			 RETURNING id, cart_id, book_id, quantity, created_at, updated_at`,
			cartID, bookID, quantity).Scan(
			&line.ID,
			&line.CartID,
			&line.BookID,
			&line.Quantity,
			&line.CreatedAt,
			&line.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert cart line: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return line, nil
}

// UpdateLine replaces a line's quantity, validated against live stock.
func UpdateLine(ctx context.Context, db *sql.DB, lineID int64, quantity int) (*models.CartLine, error) {
	if quantity < 1 {
		return nil, database.ErrInvalidQuantity
	}

	line := &models.CartLine{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		var bookID int64
		err := tx.QueryRowContext(ctx,
			"SELECT book_id FROM cart_lines WHERE id = $1",
			lineID).Scan(&bookID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrCartLineNotFound
			}
			return fmt.Errorf("get cart line: %w", err)
		}

		var stock int
		err = tx.QueryRowContext(ctx,
			"SELECT stock FROM books WHERE id = $1",
			bookID).Scan(&stock)
		if err != nil {
			return fmt.Errorf("get book stock: %w", err)
		}

		if quantity > stock {
			return &InsufficientStockError{
				BookID:    bookID,
				Requested: quantity,
				Available: stock,
			}
		}

		err = tx.QueryRowContext(ctx,
			`UPDATE cart_lines
			 SET quantity = $1, updated_at = NOW()
			 WHERE id = $2
			 RETURNING id, cart_id, book_id, quantity, created_at, updated_at`,
			quantity, lineID).Scan(
			&line.ID,
			&line.CartID,
			&line.BookID,
			&line.Quantity,
			&line.CreatedAt,
			&line.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update cart line: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return line, nil
}

func RemoveLine(ctx context.Context, db *sql.DB, lineID int64) error {
	result, err := db.ExecContext(ctx,
		"DELETE FROM cart_lines WHERE id = $1", lineID)
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrCartLineNotFound
	}

	return nil
}

// ClearCart removes every line. The cart row itself survives.
func ClearCart(ctx context.Context, db *sql.DB, cartID int64) error {
	_, err := db.ExecContext(ctx,
		"DELETE FROM cart_lines WHERE cart_id = $1", cartID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
