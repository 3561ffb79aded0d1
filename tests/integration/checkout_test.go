package integration

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/safar/go-bookstore/internal/store"
	"github.com/shopspring/decimal"
)

func createTestUser(t *testing.T, db *sql.DB, email string) *models.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), db, email, "Test User")
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	return user
}

func createTestBook(t *testing.T, db *sql.DB, isbn string, price decimal.Decimal, stock int) *models.Book {
	t.Helper()
	book, err := store.CreateBook(context.Background(), db, store.CreateBookRequest{
		ISBN:   isbn,
		Title:  "Test Book " + isbn,
		Author: "Test Author",
		Price:  price,
		Stock:  stock,
	})
	if err != nil {
		t.Fatalf("Create book: %v", err)
	}
	return book
}

func cartWithLine(t *testing.T, db *sql.DB, userID, bookID int64, qty int) *models.Cart {
	t.Helper()
	ctx := context.Background()
	cart, err := store.EnsureCart(ctx, db, userID)
	if err != nil {
		t.Fatalf("Ensure cart: %v", err)
	}
	if _, err := store.AddLine(ctx, db, cart.ID, bookID, qty); err != nil {
		t.Fatalf("Add line: %v", err)
	}
	return cart
}

func TestCheckoutRoundTrip(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := createTestUser(t, db, "roundtrip@example.com")
	book := createTestBook(t, db, "9780000000017", decimal.RequireFromString("10.00"), 5)
	cartWithLine(t, db, user.ID, book.ID, 3)

	order, err := store.Checkout(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if order.Status != models.OrderStatusPending {
		t.Errorf("Expected status pending, got %s", order.Status)
	}
	if !order.TotalPrice.Equal(decimal.RequireFromString("30.00")) {
		t.Errorf("Expected total 30.00, got %s", order.TotalPrice)
	}
	if len(order.Lines) != 1 {
		t.Fatalf("Expected 1 order line, got %d", len(order.Lines))
	}
	if !order.Lines[0].UnitPrice.Equal(decimal.RequireFromString("10.00")) {
		t.Errorf("Expected unit price 10.00, got %s", order.Lines[0].UnitPrice)
	}

	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Stock != 2 {
		t.Errorf("Expected stock 2 after checkout, got %d", bookAfter.Stock)
	}

	cart, err := store.GetCartByUser(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if len(cart.Lines) != 0 {
		t.Errorf("Expected cleared cart, got %d lines", len(cart.Lines))
	}

	cancelled, err := store.CancelOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Cancel order: %v", err)
	}
	if cancelled.Status != models.OrderStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", cancelled.Status)
	}
	if !cancelled.TotalPrice.Equal(order.TotalPrice) {
		t.Errorf("Cancellation must not alter total: %s vs %s", cancelled.TotalPrice, order.TotalPrice)
	}

	bookRestored, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookRestored.Stock != 5 {
		t.Errorf("Expected stock restored to 5, got %d", bookRestored.Stock)
	}
}

func TestCheckoutSnapshotsPrices(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := createTestUser(t, db, "snapshot@example.com")
	book := createTestBook(t, db, "9780000000024", decimal.RequireFromString("12.50"), 10)
	cartWithLine(t, db, user.ID, book.ID, 2)

	order, err := store.Checkout(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	_, err = db.ExecContext(ctx, "UPDATE books SET price = 99.99 WHERE id = $1", book.ID)
	if err != nil {
		t.Fatalf("Update price: %v", err)
	}

	fetched, err := store.GetOrder(ctx, db, order.ID)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}

	if !fetched.Lines[0].UnitPrice.Equal(decimal.RequireFromString("12.50")) {
		t.Errorf("Unit price must stay at checkout-time value, got %s", fetched.Lines[0].UnitPrice)
	}
	if !fetched.TotalPrice.Equal(decimal.RequireFromString("25.00")) {
		t.Errorf("Order total must stay at checkout-time value, got %s", fetched.TotalPrice)
	}

	expected := decimal.Zero
	for _, line := range fetched.Lines {
		expected = expected.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	if !fetched.TotalPrice.Equal(expected) {
		t.Errorf("Order total %s does not equal sum of line subtotals %s", fetched.TotalPrice, expected)
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := createTestUser(t, db, "empty@example.com")
	if _, err := store.EnsureCart(ctx, db, user.ID); err != nil {
		t.Fatalf("Ensure cart: %v", err)
	}

	_, err := store.Checkout(ctx, db, user.ID)
	if !errors.Is(err, database.ErrEmptyCart) {
		t.Errorf("Expected empty cart error, got: %v", err)
	}

	var orderCount int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&orderCount); err != nil {
		t.Fatalf("Count orders: %v", err)
	}
	if orderCount != 0 {
		t.Errorf("Expected no orders, got %d", orderCount)
	}
}

func TestCheckoutWithoutCart(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	user := createTestUser(t, db, "nocart@example.com")

	_, err := store.Checkout(context.Background(), db, user.ID)
	if !errors.Is(err, database.ErrCartNotFound) {
		t.Errorf("Expected cart not found, got: %v", err)
	}
}

func TestCheckoutAtomicOnInsufficientStock(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := createTestUser(t, db, "atomic@example.com")
	bookA := createTestBook(t, db, "9780000000031", decimal.RequireFromString("10.00"), 50)
	bookB := createTestBook(t, db, "9780000000048", decimal.RequireFromString("20.00"), 2)

	cart := cartWithLine(t, db, user.ID, bookA.ID, 5)
	if _, err := store.AddLine(ctx, db, cart.ID, bookB.ID, 2); err != nil {
		t.Fatalf("Add line: %v", err)
	}

	// Stock for B drops after the line was added; checkout must re-validate.
	if err := store.UpdateStockOptimistic(ctx, db, bookB.ID, 1, bookB.Version); err != nil {
		t.Fatalf("Update stock: %v", err)
	}

	_, err := store.Checkout(ctx, db, user.ID)
	if !errors.Is(err, database.ErrInsufficientStock) {
		t.Fatalf("Expected insufficient stock, got: %v", err)
	}

	var stockErr *store.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("Expected typed stock error, got: %v", err)
	}
	if stockErr.BookID != bookB.ID || stockErr.Requested != 2 || stockErr.Available != 1 {
		t.Errorf("Unexpected stock error detail: %+v", stockErr)
	}

	// Nothing may have changed: no order, no decrement on the valid line,
	// cart intact.
	var orderCount int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&orderCount); err != nil {
		t.Fatalf("Count orders: %v", err)
	}
	if orderCount != 0 {
		t.Errorf("Expected no orders, got %d", orderCount)
	}

	bookAAfter, err := store.GetBook(ctx, db, bookA.ID)
	if err != nil {
		t.Fatalf("Get book A: %v", err)
	}
	if bookAAfter.Stock != 50 {
		t.Errorf("Book A stock must be unchanged at 50, got %d", bookAAfter.Stock)
	}

	cartAfter, err := store.GetCartByUser(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Get cart: %v", err)
	}
	if len(cartAfter.Lines) != 2 {
		t.Errorf("Cart must keep its 2 lines, got %d", len(cartAfter.Lines))
	}
}

func TestConcurrentCheckoutSameBook(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	book := createTestBook(t, db, "9780000000055", decimal.RequireFromString("10.00"), 5)

	user1 := createTestUser(t, db, "racer1@example.com")
	user2 := createTestUser(t, db, "racer2@example.com")
	cartWithLine(t, db, user1.ID, book.ID, 3)
	cartWithLine(t, db, user2.ID, book.ID, 3)

	var wg sync.WaitGroup
	results := make(chan error, 2)

	for _, userID := range []int64{user1.ID, user2.ID} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := store.Checkout(ctx, db, id)
			results <- err
		}(userID)
	}

	wg.Wait()
	close(results)

	successCount := 0
	insufficientCount := 0
	for err := range results {
		switch {
		case err == nil:
			successCount++
		case errors.Is(err, database.ErrInsufficientStock):
			insufficientCount++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}

	if successCount != 1 || insufficientCount != 1 {
		t.Errorf("Expected exactly one success and one stock failure, got %d/%d",
			successCount, insufficientCount)
	}

	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Stock != 2 {
		t.Errorf("Expected final stock 2, got %d", bookAfter.Stock)
	}
}

func TestCancelNonPendingOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := createTestUser(t, db, "cancel2@example.com")
	book := createTestBook(t, db, "9780000000062", decimal.RequireFromString("15.00"), 10)
	cartWithLine(t, db, user.ID, book.ID, 4)

	order, err := store.Checkout(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if _, err := store.UpdateOrderStatus(ctx, db, order.ID, models.OrderStatusProcessing); err != nil {
		t.Fatalf("Update status: %v", err)
	}

	_, err = store.CancelOrder(ctx, db, order.ID)
	if !errors.Is(err, database.ErrInvalidStatusTransition) {
		t.Errorf("Expected invalid transition, got: %v", err)
	}

	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Stock != 6 {
		t.Errorf("Stock must stay consumed at 6, got %d", bookAfter.Stock)
	}
}

func TestCancelTwice(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	user := createTestUser(t, db, "canceltwice@example.com")
	book := createTestBook(t, db, "9780000000079", decimal.RequireFromString("8.00"), 6)
	cartWithLine(t, db, user.ID, book.ID, 2)

	order, err := store.Checkout(ctx, db, user.ID)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}

	if _, err := store.CancelOrder(ctx, db, order.ID); err != nil {
		t.Fatalf("First cancel: %v", err)
	}

	_, err = store.CancelOrder(ctx, db, order.ID)
	if !errors.Is(err, database.ErrInvalidStatusTransition) {
		t.Errorf("Expected invalid transition on second cancel, got: %v", err)
	}

	// Stock must be released exactly once.
	bookAfter, err := store.GetBook(ctx, db, book.ID)
	if err != nil {
		t.Fatalf("Get book: %v", err)
	}
	if bookAfter.Stock != 6 {
		t.Errorf("Expected stock 6, got %d", bookAfter.Stock)
	}
}
