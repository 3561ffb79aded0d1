package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/safar/go-bookstore/internal/config"
	"github.com/safar/go-bookstore/internal/database"
	"github.com/safar/go-bookstore/internal/events"
	"github.com/safar/go-bookstore/internal/kafka"
	"github.com/safar/go-bookstore/internal/models"
	"github.com/safar/go-bookstore/internal/search"
	"github.com/safar/go-bookstore/internal/store"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	log.Printf("Connected to database successfully")

	var cache *search.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		cache = search.NewCache(rdb, cfg.Search.CacheTTL)
		log.Printf("Search cache enabled (redis %s)", cfg.Redis.Addr)
	}

	var producer *kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, 256)
		producer.Start(ctx)
		defer producer.WaitClosed()
		log.Printf("Order events enabled (topic %s)", cfg.Kafka.Topic)
	}

	searchClient := search.NewClient(cfg.Search.BaseURL, cfg.Search.Timeout)

	mux := http.NewServeMux()

	mux.HandleFunc("/users", handleUsers(db))
	mux.HandleFunc("/users/", handleUserByID(db))
	mux.HandleFunc("/books", handleBooks(db))
	mux.HandleFunc("/books/", handleBookByID(db))
	mux.HandleFunc("/cart", handleCart(db))
	mux.HandleFunc("/cart/items", handleCartItems(db))
	mux.HandleFunc("/cart/items/", handleCartItemByID(db))
	mux.HandleFunc("/cart/clear", handleClearCart(db))
	mux.HandleFunc("/checkout", handleCheckout(db, producer))
	mux.HandleFunc("/orders", handleOrders(db))
	mux.HandleFunc("/orders/", handleOrderByID(db, producer))
	mux.HandleFunc("/search", handleSearch(db, searchClient, cache))
	mux.HandleFunc("/search/history", handleSearchHistory(db))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("Server starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func handleUsers(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				Email string `json:"email"`
				Name  string `json:"name"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			user, err := store.CreateUser(ctx, db, req.Email, req.Name)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusCreated, user)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleUserByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := strconv.ParseInt(r.URL.Path[len("/users/"):], 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid user ID")
			return
		}

		user, err := store.GetUser(ctx, db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, user)
	}
}

func handleBooks(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		switch r.Method {
		case http.MethodPost:
			var req struct {
				ISBN        string  `json:"isbn"`
				Title       string  `json:"title"`
				Author      string  `json:"author"`
				Description string  `json:"description"`
				Price       float64 `json:"price"`
				Stock       int     `json:"stock"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			book, err := store.CreateBook(ctx, db, store.CreateBookRequest{
				ISBN:        req.ISBN,
				Title:       req.Title,
				Author:      req.Author,
				Description: req.Description,
				Price:       decimal.NewFromFloat(req.Price),
				Stock:       req.Stock,
			})
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusCreated, book)

		case http.MethodGet:
			page, pageSize := pageParams(r)

			result, err := store.ListBooks(ctx, db, page, pageSize)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusOK, result)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleBookByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		rest := r.URL.Path[len("/books/"):]
		parts := strings.SplitN(rest, "/", 2)

		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid book ID")
			return
		}

		// POST /books/{id}/stock sets the stock count, guarded by the row
		// version (the catalog update_stock operation).
		if len(parts) == 2 && parts[1] == "stock" {
			if r.Method != http.MethodPost {
				respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
				return
			}

			var req struct {
				Stock   int `json:"stock"`
				Version int `json:"version"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			if err := store.UpdateStockOptimistic(ctx, db, id, req.Stock, req.Version); err != nil {
				respondStoreError(w, err)
				return
			}

			book, err := store.GetBook(ctx, db, id)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusOK, book)
			return
		}

		book, err := store.GetBook(ctx, db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, book)
	}
}

type cartView struct {
	*models.Cart
	TotalPrice decimal.Decimal `json:"total_price"`
	TotalItems int             `json:"total_items"`
}

func handleCart(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		if _, err := store.EnsureCart(ctx, db, userID); err != nil {
			respondStoreError(w, err)
			return
		}

		cart, err := store.GetCartByUser(ctx, db, userID)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, cartView{
			Cart:       cart,
			TotalPrice: cart.TotalPrice(),
			TotalItems: cart.TotalItems(),
		})
	}
}

func handleCartItems(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			UserID   int64 `json:"user_id"`
			BookID   int64 `json:"book_id"`
			Quantity int   `json:"quantity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		cart, err := store.EnsureCart(ctx, db, req.UserID)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		line, err := store.AddLine(ctx, db, cart.ID, req.BookID, req.Quantity)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusCreated, line)
	}
}

func handleCartItemByID(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := strconv.ParseInt(r.URL.Path[len("/cart/items/"):], 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid cart item ID")
			return
		}

		switch r.Method {
		case http.MethodPatch:
			var req struct {
				Quantity int `json:"quantity"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid request body")
				return
			}

			line, err := store.UpdateLine(ctx, db, id, req.Quantity)
			if err != nil {
				respondStoreError(w, err)
				return
			}

			respondJSON(w, http.StatusOK, line)

		case http.MethodDelete:
			if err := store.RemoveLine(ctx, db, id); err != nil {
				respondStoreError(w, err)
				return
			}

			w.WriteHeader(http.StatusNoContent)

		default:
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

func handleClearCart(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			UserID int64 `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		cart, err := store.EnsureCart(ctx, db, req.UserID)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		if err := store.ClearCart(ctx, db, cart.ID); err != nil {
			respondStoreError(w, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleCheckout(db *sql.DB, producer *kafka.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodPost {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		var req struct {
			UserID int64 `json:"user_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		order, err := store.Checkout(ctx, db, req.UserID)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		publishOrderCreated(producer, order)
		respondJSON(w, http.StatusCreated, order)
	}
}

func handleOrders(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit < 1 || limit > 100 {
			limit = 20
		}

		result, err := store.ListOrdersCursor(ctx, db, userID, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func handleOrderByID(db *sql.DB, producer *kafka.Producer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		rest := r.URL.Path[len("/orders/"):]
		parts := strings.SplitN(rest, "/", 2)

		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid order ID")
			return
		}

		if len(parts) == 2 {
			switch parts[1] {
			case "cancel":
				if r.Method != http.MethodPost {
					respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
					return
				}

				order, err := store.CancelOrder(ctx, db, id)
				if err != nil {
					respondStoreError(w, err)
					return
				}

				publishOrderCancelled(producer, order)
				respondJSON(w, http.StatusOK, order)

			case "status":
				if r.Method != http.MethodPost {
					respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
					return
				}

				var req struct {
					Status string `json:"status"`
				}
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					respondError(w, http.StatusBadRequest, "Invalid request body")
					return
				}

				order, err := store.UpdateOrderStatus(ctx, db, id, req.Status)
				if err != nil {
					respondStoreError(w, err)
					return
				}

				respondJSON(w, http.StatusOK, order)

			default:
				respondError(w, http.StatusNotFound, "Not found")
			}
			return
		}

		order, err := store.GetOrder(ctx, db, id)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, order)
	}
}

func handleSearch(db *sql.DB, client *search.Client, cache *search.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		query := r.URL.Query().Get("q")
		if query == "" {
			respondError(w, http.StatusBadRequest, `Query parameter "q" is required`)
			return
		}

		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		if _, err := store.RecordSearch(ctx, db, userID, query); err != nil {
			respondStoreError(w, err)
			return
		}

		if results, hit, err := cache.Get(ctx, query); err != nil {
			log.Printf("Search cache get: %v", err)
		} else if hit {
			respondJSON(w, http.StatusOK, results)
			return
		}

		results, err := client.Search(ctx, query)
		if err != nil {
			respondError(w, http.StatusBadGateway, "Failed to fetch data from book search API")
			return
		}

		imports := make([]store.BookImport, 0, len(results))
		for _, result := range results {
			imports = append(imports, store.BookImport{
				ISBN:          result.ISBN,
				Title:         result.Title,
				Author:        result.Author,
				Description:   result.Description,
				Price:         result.Price,
				PublishedDate: result.PublishedDate,
			})
		}
		if _, err := store.ImportBooks(ctx, db, imports); err != nil {
			log.Printf("Import search results: %v", err)
		}

		if err := cache.Set(ctx, query, results); err != nil {
			log.Printf("Search cache set: %v", err)
		}

		respondJSON(w, http.StatusOK, results)
	}
}

func handleSearchHistory(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if r.Method != http.MethodGet {
			respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		userID, ok := userIDParam(w, r)
		if !ok {
			return
		}

		page, pageSize := pageParams(r)

		result, err := store.ListSearchHistory(ctx, db, userID, page, pageSize)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

func publishOrderCreated(producer *kafka.Producer, order *models.Order) {
	if producer == nil {
		return
	}

	lines := make([]events.OrderLinePayload, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, events.OrderLinePayload{
			BookID:    line.BookID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice.String(),
		})
	}

	envelope, err := events.NewEnvelope(events.EventOrderCreated, "bookstore-api", events.OrderCreatedPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Lines:       lines,
		TotalPrice:  order.TotalPrice.String(),
	})
	if err != nil {
		log.Printf("Build order created event: %v", err)
		return
	}

	producer.Publish(events.PartitionKey(order.ID), kafka.MustMarshal(envelope))
}

func publishOrderCancelled(producer *kafka.Producer, order *models.Order) {
	if producer == nil {
		return
	}

	envelope, err := events.NewEnvelope(events.EventOrderCancelled, "bookstore-api", events.OrderCancelledPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
	})
	if err != nil {
		log.Printf("Build order cancelled event: %v", err)
		return
	}

	producer.Publish(events.PartitionKey(order.ID), kafka.MustMarshal(envelope))
}

func userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, `Query parameter "user_id" is required`)
		return 0, false
	}
	return userID, true
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrBookNotFound),
		errors.Is(err, database.ErrCartNotFound),
		errors.Is(err, database.ErrCartLineNotFound),
		errors.Is(err, database.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, database.ErrEmptyCart),
		errors.Is(err, database.ErrInvalidStatusTransition),
		errors.Is(err, database.ErrOptimisticLockFailed):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, database.ErrInvalidQuantity):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
