package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

type Book struct {
	ID            int64           `json:"id"`
	ISBN          string          `json:"isbn"`
	Title         string          `json:"title"`
	Author        string          `json:"author"`
	Description   string          `json:"description,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Stock         int             `json:"stock"`
	PublishedDate *time.Time      `json:"published_date,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Version       int             `json:"version"`
}

// Cart is the per-user mutable collection of lines. Totals are derived from
// the loaded lines and the books joined onto them, never persisted.
type Cart struct {
	ID        int64      `json:"id"`
	UserID    int64      `json:"user_id"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Lines     []CartLine `json:"lines"`
}

type CartLine struct {
	ID        int64     `json:"id"`
	CartID    int64     `json:"cart_id"`
	BookID    int64     `json:"book_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Book      Book      `json:"book"`
}

// TotalPrice sums quantity times the current book price over all lines.
func (c *Cart) TotalPrice() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.Lines {
		total = total.Add(line.Book.Price.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

func (c *Cart) TotalItems() int {
	items := 0
	for _, line := range c.Lines {
		items += line.Quantity
	}
	return items
}

type Order struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	OrderNumber string          `json:"order_number"`
	Status      string          `json:"status"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Version     int             `json:"version"`
	Lines       []OrderLine     `json:"lines,omitempty"`
}

// OrderLine carries the unit price as written at checkout time. Later
// catalog price changes never touch it.
type OrderLine struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	BookID    int64           `json:"book_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"created_at"`
}

type SearchHistory struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	Query      string    `json:"query"`
	SearchedAt time.Time `json:"searched_at"`
}

const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
)

// validNextStatus captures the external lifecycle. Cancellation is absent on
// purpose: it goes through its own stock-releasing transition.
var validNextStatus = map[string]map[string]bool{
	OrderStatusPending:    {OrderStatusProcessing: true},
	OrderStatusProcessing: {OrderStatusCompleted: true},
	OrderStatusCompleted:  {},
	OrderStatusCancelled:  {},
}

func CanTransitionStatus(from, to string) bool {
	return validNextStatus[from][to]
}
