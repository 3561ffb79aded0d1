package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/shopspring/decimal"
)

type CreateBookRequest struct {
	ISBN          string
	Title         string
	Author        string
	Description   string
	Price         decimal.Decimal
	Stock         int
	PublishedDate *time.Time
}

func CreateBook(ctx context.Context, db *sql.DB, req CreateBookRequest) (*models.Book, error) {
	book := &models.Book{}

	query := `
		INSERT INTO books (isbn, title, author, description, price, stock, published_date, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW(), 1)
		RETURNING id, isbn, title, author, description, price, stock, published_date, created_at, updated_at, version`

	err := db.QueryRowContext(ctx, query,
		req.ISBN, req.Title, req.Author, req.Description, req.Price, req.Stock, req.PublishedDate).Scan(
		&book.ID,
		&book.ISBN,
		&book.Title,
		&book.Author,
		&book.Description,
		&book.Price,
		&book.Stock,
		&book.PublishedDate,
		&book.CreatedAt,
		&book.UpdatedAt,
		&book.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("create book: %w", err)
	}

	return book, nil
}

func GetBook(ctx context.Context, db *sql.DB, id int64) (*models.Book, error) {
	book := &models.Book{}

	query := `
		SELECT id, isbn, title, author, description, price, stock, published_date, created_at, updated_at, version
		FROM books
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&book.ID,
		&book.ISBN,
		&book.Title,
		&book.Author,
		&book.Description,
		&book.Price,
		&book.Stock,
		&book.PublishedDate,
		&book.CreatedAt,
		&book.UpdatedAt,
		&book.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}

	return book, nil
}

func GetBookByISBN(ctx context.Context, db *sql.DB, isbn string) (*models.Book, error) {
	book := &models.Book{}

	query := `
		SELECT id, isbn, title, author, description, price, stock, published_date, created_at, updated_at, version
		FROM books
		WHERE isbn = $1`

	err := db.QueryRowContext(ctx, query, isbn).Scan(
		&book.ID,
		&book.ISBN,
		&book.Title,
		&book.Author,
		&book.Description,
		&book.Price,
		&book.Stock,
		&book.PublishedDate,
		&book.CreatedAt,
		&book.UpdatedAt,
		&book.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrBookNotFound
		}
		return nil, fmt.Errorf("get book by isbn: %w", err)
	}

	return book, nil
}

func ListBooks(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM books`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count books: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, isbn, title, author, description, price, stock, published_date, created_at, updated_at, version
		FROM books
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		var book models.Book
		err := rows.Scan(
			&book.ID,
			&book.ISBN,
			&book.Title,
			&book.Author,
			&book.Description,
			&book.Price,
			&book.Stock,
			&book.PublishedDate,
			&book.CreatedAt,
			&book.UpdatedAt,
			&book.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, book)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      books,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

// LockBook takes a NOWAIT row lock on a book and returns the current row.
// A held lock surfaces as ErrLockTimeout, which the retry layer treats as
// transient.
func LockBook(ctx context.Context, tx *sql.Tx, bookID int64) (*models.Book, error) {
	book := &models.Book{}

	query := `
		SELECT id, isbn, title, author, description, price, stock, published_date, created_at, updated_at, version
		FROM books
		WHERE id = $1
		FOR UPDATE NOWAIT`

	err := tx.QueryRowContext(ctx, query, bookID).Scan(
		&book.ID,
		&book.ISBN,
		&book.Title,
		&book.Author,
		&book.Description,
		&book.Price,
		&book.Stock,
		&book.PublishedDate,
		&book.CreatedAt,
		&book.UpdatedAt,
		&book.Version,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "55P03" {
			return nil, database.ErrLockTimeout
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrBookNotFound
		}
		return nil, fmt.Errorf("lock book: %w", err)
	}

	return book, nil
}

// ReserveStock consumes stock inside an open transaction. The guard on the
// UPDATE keeps stock non-negative even if the caller's earlier check raced.
func ReserveStock(ctx context.Context, tx *sql.Tx, bookID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE books
		 SET stock = stock - $1,
		     updated_at = NOW()
		 WHERE id = $2
		   AND stock >= $1`,
		quantity, bookID)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrInsufficientStock
	}

	return nil
}

// ReleaseStock returns previously consumed stock. There is no upper bound:
// restoring what a cancelled order consumed is always valid.
func ReleaseStock(ctx context.Context, tx *sql.Tx, bookID int64, quantity int) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE books
		 SET stock = stock + $1,
		     updated_at = NOW()
		 WHERE id = $2`,
		quantity, bookID)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrBookNotFound
	}

	return nil
}

// UpdateStockOptimistic overwrites the stock count for catalog maintenance,
// guarded by the row version so two admins cannot silently clobber each
// other.
func UpdateStockOptimistic(ctx context.Context, db *sql.DB, bookID int64, newStock int, version int) error {
	result, err := db.ExecContext(ctx,
		`UPDATE books
		 SET stock = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2 AND version = $3`,
		newStock, bookID, version)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrOptimisticLockFailed
	}

	return nil
}

type BookImport struct {
	ISBN          string
	Title         string
	Author        string
	Description   string
	Price         decimal.Decimal
	PublishedDate string
}

// ImportBooks inserts search results the catalog has not seen yet. Rows with
// a blank ISBN, an already-known ISBN, or an unparseable publish date are
// skipped. Returns the number of books inserted.
func ImportBooks(ctx context.Context, db *sql.DB, imports []BookImport) (int, error) {
	inserted := 0

	for _, imp := range imports {
		if imp.ISBN == "" {
			continue
		}

		published, err := time.Parse("2006-01-02", imp.PublishedDate)
		if err != nil {
			continue
		}

		result, err := db.ExecContext(ctx,
			`INSERT INTO books (isbn, title, author, description, price, stock, published_date, created_at, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, 0, $6, NOW(), NOW(), 1)
			 ON CONFLICT (isbn) DO NOTHING`,
			imp.ISBN, imp.Title, imp.Author, imp.Description, imp.Price, published)
		if err != nil {
			return inserted, fmt.Errorf("import book %s: %w", imp.ISBN, err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("get rows affected: %w", err)
		}
		inserted += int(rowsAffected)
	}

	return inserted, nil
}
