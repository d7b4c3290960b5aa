package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"coopstore/m/domain"
	"coopstore/m/internal/ledger"
	"coopstore/m/internal/sale"
)

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

// Handler bundles dependencies for HTTP handlers.
type Handler struct {
	db                *sqlx.DB
	secret            string
	sales             *sale.Coordinator
	validate          *validator.Validate
	lowStockThreshold int64
}

// New constructs a Handler.
func New(db *sqlx.DB, secret string, sales *sale.Coordinator, lowStockThreshold int64) *Handler {
	return &Handler{
		db:                db,
		secret:            secret,
		sales:             sales,
		validate:          validator.New(),
		lowStockThreshold: lowStockThreshold,
	}
}

// Router wires up the HTTP API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"}, // Change "*" to a list of allowed domains (e.g., ["http://localhost:3000"])
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Group(func(protected chi.Router) {
			protected.Use(h.authMiddleware)
			protected.Post("/reset-password", h.resetPassword)
		})
	})

	r.Group(func(pr chi.Router) {
		pr.Use(h.authMiddleware)

		pr.Route("/products", func(r chi.Router) {
			r.Post("/", h.createProduct)
			r.Get("/", h.searchProducts)
			r.Get("/low-stock", h.lowStockProducts)
			r.Put("/{id}", h.updateProduct)
			r.Post("/{id}/restock", h.restockProduct)
		})

		pr.Route("/members", func(r chi.Router) {
			r.Post("/", h.createMember)
			r.Get("/", h.searchMembers)
			r.Get("/{id}", h.getMember)
			r.Put("/{id}", h.updateMember)
			r.Post("/{id}/payments", h.recordMemberPayment)
		})

		pr.Route("/sales", func(r chi.Router) {
			r.Post("/", h.createSale)
			r.Get("/{reference}", h.getSale)
		})

		pr.Route("/reports", func(r chi.Router) {
			r.Get("/sales/daily", h.dailySales)
			r.Get("/sales/monthly", h.monthlySales)
			r.Get("/sales", h.salesReport)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Authentication helpers

type authClaims struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (h *Handler) generateToken(userID int64, role string) (string, error) {
	claims := authClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.secret))
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		tokenString := strings.TrimSpace(header[len("Bearer "):])
		token, err := jwt.ParseWithClaims(tokenString, &authClaims{}, func(token *jwt.Token) (interface{}, error) {
			if token.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(h.secret), nil
		})
		if err != nil || !token.Valid {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		claims, ok := token.Claims.(*authClaims)
		if !ok {
			respondError(w, http.StatusUnauthorized, "invalid token claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
		ctx = context.WithValue(ctx, ctxRole, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, allowed ...string) bool {
	role := r.Context().Value(ctxRole)
	if role == nil {
		respondError(w, http.StatusUnauthorized, "missing role")
		return false
	}
	current := role.(string)
	for _, allowedRole := range allowed {
		if current == allowedRole {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "insufficient permissions")
	return false
}

func userIDFromContext(r *http.Request) int64 {
	if val := r.Context().Value(ctxUserID); val != nil {
		if id, ok := val.(int64); ok {
			return id
		}
	}
	return 0
}

// Auth Handlers

type registerRequest struct {
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Role     string `json:"role" validate:"required,oneof=admin cashier"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to secure password")
		return
	}

	var userID int64
	err = h.db.QueryRowx(`INSERT INTO users (username, email, password, role) VALUES ($1, $2, $3, $4) RETURNING id`,
		req.Username, strings.ToLower(req.Email), hashed, req.Role).Scan(&userID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "duplicate key") {
			respondError(w, http.StatusConflict, "email already exists")
		} else {
			respondError(w, http.StatusInternalServerError, "db error: "+err.Error())
		}
		return
	}

	token, err := h.generateToken(userID, req.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate token")
		return
	}

	respondJSON(w, http.StatusCreated, authResponse{Token: token, User: domain.User{
		ID:       userID,
		Username: req.Username,
		Email:    strings.ToLower(req.Email),
		Role:     req.Role,
	}})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var user domain.User
	err := h.db.Get(&user, `SELECT id, username, email, password, role FROM users WHERE email = $1`, strings.ToLower(req.Email))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)) != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.generateToken(user.ID, user.Role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to generate token")
		return
	}

	user.Password = ""
	respondJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (h *Handler) resetPassword(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		NewPassword string `json:"new_password" validate:"required,min=8"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	uid := userIDFromContext(r)
	hashed, err := bcrypt.GenerateFromPassword([]byte(payload.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to secure password")
		return
	}
	if _, err := h.db.Exec(`UPDATE users SET password = $1 WHERE id = $2`, hashed, uid); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update password")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}

// Product handlers

type productRequest struct {
	Name          string          `json:"name" validate:"required"`
	SKU           string          `json:"sku" validate:"required"`
	Price         decimal.Decimal `json:"price"`
	BasePrice     decimal.Decimal `json:"base_price"`
	StockQuantity int64           `json:"stock_quantity" validate:"gte=0"`
	IsActive      *bool           `json:"is_active"`
}

func (req productRequest) amounts() (price, base domain.Amount, err error) {
	price, err = domain.AmountFromDecimal(req.Price)
	if err != nil {
		return 0, 0, err
	}
	base, err = domain.AmountFromDecimal(req.BasePrice)
	if err != nil {
		return 0, 0, err
	}
	if price < 0 || base < 0 {
		return 0, 0, errors.New("prices must not be negative")
	}
	return price, base, nil
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}
	var req productRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, base, err := req.amounts()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	sku := strings.ToUpper(strings.TrimSpace(req.SKU))
	var id int64
	err = h.db.QueryRowx(`INSERT INTO products (name, sku, price_cents, base_price_cents, stock_quantity) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		req.Name, sku, int64(price), int64(base), req.StockQuantity).Scan(&id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			respondError(w, http.StatusConflict, "sku already exists")
		} else {
			respondError(w, http.StatusInternalServerError, "unable to create product")
		}
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id, "name": req.Name, "sku": sku})
}

const productColumns = `id, name, sku, price_cents, base_price_cents, stock_quantity, is_active, created_at, updated_at`

func (h *Handler) searchProducts(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	var products []domain.Product
	var err error
	if query == "" {
		err = h.db.Select(&products, `SELECT `+productColumns+` FROM products WHERE is_active = 1 ORDER BY name LIMIT 50`)
	} else {
		like := "%" + query + "%"
		err = h.db.Select(&products, `SELECT `+productColumns+` FROM products WHERE is_active = 1 AND (name LIKE $1 OR sku LIKE $2) ORDER BY name LIMIT 50`, like, like)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to search products")
		return
	}
	respondJSON(w, http.StatusOK, products)
}

func (h *Handler) lowStockProducts(w http.ResponseWriter, r *http.Request) {
	threshold := h.lowStockThreshold
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "threshold must be a non-negative integer")
			return
		}
		threshold = parsed
	}
	var products []domain.Product
	err := h.db.Select(&products, `SELECT `+productColumns+` FROM products WHERE is_active = 1 AND stock_quantity <= $1 ORDER BY stock_quantity ASC, name LIMIT 50`, threshold)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to fetch low stock products")
		return
	}
	respondJSON(w, http.StatusOK, products)
}

func (h *Handler) updateProduct(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	var req productRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, base, err := req.amounts()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	// Stock is deliberately not writable here; it moves only through the
	// inventory ledger (sales and restocks).
	res, err := h.db.Exec(`UPDATE products SET name = $1, sku = $2, price_cents = $3, base_price_cents = $4, is_active = $5, updated_at = CURRENT_TIMESTAMP WHERE id = $6`,
		req.Name, strings.ToUpper(strings.TrimSpace(req.SKU)), int64(price), int64(base), active, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update product")
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		respondError(w, http.StatusNotFound, "product not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) restockProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	var payload struct {
		Quantity int64 `json:"quantity" validate:"required,gt=0"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	remaining, err := ledger.Restock(r.Context(), h.db, id, payload.Quantity)
	if err != nil {
		if errors.Is(err, ledger.ErrProductNotFound) {
			respondError(w, http.StatusNotFound, "product not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "unable to restock product")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "restocked", "stock_quantity": remaining})
}

// Member handlers

type memberRequest struct {
	Name        string          `json:"name" validate:"required"`
	Phone       string          `json:"phone"`
	CreditLimit decimal.Decimal `json:"credit_limit"`
}

func (h *Handler) createMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := domain.AmountFromDecimal(req.CreditLimit)
	if err != nil || limit < 0 {
		respondError(w, http.StatusBadRequest, "invalid credit limit")
		return
	}
	var id int64
	err = h.db.QueryRowx(`INSERT INTO members (name, phone, credit_limit_cents) VALUES ($1, $2, $3) RETURNING id`,
		req.Name, req.Phone, int64(limit)).Scan(&id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to create member")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"id": id, "name": req.Name})
}

const memberColumns = `id, name, phone, credit_balance_cents, credit_limit_cents, created_at`

func (h *Handler) searchMembers(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	var members []domain.Member
	var err error
	if query == "" {
		err = h.db.Select(&members, `SELECT `+memberColumns+` FROM members ORDER BY name LIMIT 50`)
	} else {
		like := "%" + query + "%"
		err = h.db.Select(&members, `SELECT `+memberColumns+` FROM members WHERE name LIKE $1 OR phone LIKE $2 ORDER BY name LIMIT 50`, like, like)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to search members")
		return
	}
	respondJSON(w, http.StatusOK, members)
}

func (h *Handler) getMember(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	var member domain.Member
	err = h.db.Get(&member, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "member not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load member")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"member":           member,
		"available_credit": member.AvailableCredit(),
	})
}

func (h *Handler) updateMember(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := domain.AmountFromDecimal(req.CreditLimit)
	if err != nil || limit < 0 {
		respondError(w, http.StatusBadRequest, "invalid credit limit")
		return
	}
	// Lowering the limit below the current balance would break the ledger
	// invariant, so this update is conditional the same way credit increases are.
	res, err := h.db.Exec(`UPDATE members SET name = $1, phone = $2, credit_limit_cents = $3 WHERE id = $4 AND credit_balance_cents <= $5`,
		req.Name, req.Phone, int64(limit), id, int64(limit))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to update member")
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var exists bool
		if err := h.db.Get(&exists, `SELECT EXISTS(SELECT 1 FROM members WHERE id = $1)`, id); err == nil && exists {
			respondError(w, http.StatusConflict, "credit limit below current balance")
			return
		}
		respondError(w, http.StatusNotFound, "member not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) recordMemberPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	var payload struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.AmountFromDecimal(payload.Amount)
	if err != nil || amount <= 0 {
		respondError(w, http.StatusBadRequest, "amount must be a positive decimal")
		return
	}

	tx, err := h.db.BeginTxx(r.Context(), nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}
	defer tx.Rollback()

	newBalance, err := ledger.SettleCredit(r.Context(), tx, id, amount)
	if err != nil {
		var excess *ledger.ExcessPaymentError
		switch {
		case errors.Is(err, ledger.ErrMemberNotFound):
			respondError(w, http.StatusNotFound, "member not found")
		case errors.As(err, &excess):
			respondError(w, http.StatusConflict, excess.Error())
		default:
			respondError(w, http.StatusInternalServerError, "unable to record payment")
		}
		return
	}
	if _, err := tx.ExecContext(r.Context(), `INSERT INTO member_payments (member_id, user_id, amount_cents) VALUES ($1, $2, $3)`,
		id, userIDFromContext(r), int64(amount)); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to record payment")
		return
	}
	if err := tx.Commit(); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to record payment")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"status": "payment recorded", "credit_balance": newBalance})
}

// Sales handlers

type saleItemRequest struct {
	ProductID     int64           `json:"product_id" validate:"required,gt=0"`
	Quantity      int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	BaseUnitPrice decimal.Decimal `json:"base_unit_price"`
}

type saleRequest struct {
	Items          []saleItemRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod  string            `json:"payment_method" validate:"required,oneof=cash credit"`
	MemberID       *int64            `json:"member_id"`
	ManualDiscount decimal.Decimal   `json:"manual_discount"`
	IdempotencyKey string            `json:"idempotency_key" validate:"omitempty,max=64"`
}

type saleResponse struct {
	Success       bool           `json:"success"`
	TransactionID string         `json:"transaction_id,omitempty"`
	Total         string         `json:"total,omitempty"`
	ItemCount     int            `json:"item_count,omitempty"`
	Replayed      bool           `json:"replayed,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

func saleValidationFailure(w http.ResponseWriter, reason string) {
	respondJSON(w, http.StatusBadRequest, saleResponse{
		Success:   false,
		ErrorKind: "validation",
		Details:   map[string]any{"reason": reason},
	})
}

func (h *Handler) createSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := decodeJSON(r, &req); err != nil {
		saleValidationFailure(w, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		saleValidationFailure(w, err.Error())
		return
	}

	lines := make([]sale.Line, len(req.Items))
	for i, item := range req.Items {
		unit, err := domain.AmountFromDecimal(item.UnitPrice)
		if err != nil {
			saleValidationFailure(w, err.Error())
			return
		}
		base, err := domain.AmountFromDecimal(item.BaseUnitPrice)
		if err != nil {
			saleValidationFailure(w, err.Error())
			return
		}
		lines[i] = sale.Line{ProductID: item.ProductID, Quantity: item.Quantity, UnitPrice: unit, BaseUnitPrice: base}
	}
	discount, err := domain.AmountFromDecimal(req.ManualDiscount)
	if err != nil {
		saleValidationFailure(w, err.Error())
		return
	}

	receipt, err := h.sales.CreateTransaction(r.Context(), sale.Request{
		Items:          lines,
		PaymentMethod:  domain.PaymentMethod(req.PaymentMethod),
		OperatorID:     userIDFromContext(r),
		MemberID:       req.MemberID,
		ManualDiscount: discount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondSaleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, saleResponse{
		Success:       true,
		TransactionID: receipt.TransactionID,
		Total:         receipt.Total.String(),
		ItemCount:     receipt.ItemCount,
		Replayed:      receipt.Replayed,
	})
}

// respondSaleError maps the coordinator's error taxonomy onto the wire
// envelope. UI callers rely on the kind to tell "fix your cart" apart from
// "try again later", so no error is downgraded to a generic failure.
func (h *Handler) respondSaleError(w http.ResponseWriter, err error) {
	var (
		validationErr *sale.ValidationError
		stockErr      *ledger.InsufficientStockError
		creditErr     *ledger.InsufficientCreditError
	)
	switch {
	case errors.As(err, &validationErr):
		saleValidationFailure(w, validationErr.Reason)
	case errors.As(err, &stockErr):
		respondJSON(w, http.StatusConflict, saleResponse{Success: false, ErrorKind: "insufficient_stock", Details: map[string]any{
			"product_id": stockErr.ProductID,
			"available":  stockErr.Available,
			"requested":  stockErr.Requested,
		}})
	case errors.As(err, &creditErr):
		respondJSON(w, http.StatusConflict, saleResponse{Success: false, ErrorKind: "insufficient_credit", Details: map[string]any{
			"member_id": creditErr.MemberID,
			"available": creditErr.Available.String(),
			"requested": creditErr.Requested.String(),
		}})
	case errors.Is(err, ledger.ErrProductNotFound):
		respondJSON(w, http.StatusNotFound, saleResponse{Success: false, ErrorKind: "product_not_found"})
	case errors.Is(err, ledger.ErrMemberNotFound):
		respondJSON(w, http.StatusNotFound, saleResponse{Success: false, ErrorKind: "member_not_found"})
	default:
		respondJSON(w, http.StatusInternalServerError, saleResponse{Success: false, ErrorKind: "persistence", Details: map[string]any{
			"reason": "datastore failure, safe to retry",
		}})
	}
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	header, items, err := sale.ByReference(r.Context(), h.db, reference)
	if errors.Is(err, sql.ErrNoRows) {
		respondError(w, http.StatusNotFound, "sale not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load sale")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"transaction": header, "items": items})
}

// Reports

func (h *Handler) dailySales(w http.ResponseWriter, r *http.Request) {
	query := `SELECT COALESCE(SUM(total_cents),0) AS revenue, COUNT(*) AS count FROM transactions WHERE DATE(created_at) = DATE('now')`
	var revenueCents, count int64
	if err := h.db.QueryRow(query).Scan(&revenueCents, &count); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to fetch daily sales")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"revenue": domain.Amount(revenueCents), "sales_count": count})
}

func (h *Handler) monthlySales(w http.ResponseWriter, r *http.Request) {
	query := `SELECT COALESCE(SUM(total_cents),0) AS revenue, COUNT(*) AS count FROM transactions WHERE strftime('%Y-%m', created_at) = strftime('%Y-%m', 'now')`
	var revenueCents, count int64
	if err := h.db.QueryRow(query).Scan(&revenueCents, &count); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to fetch monthly sales")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"revenue": domain.Amount(revenueCents), "sales_count": count})
}

type saleReportItem struct {
	TransactionID int64         `db:"transaction_id" json:"-"`
	ProductID     int64         `db:"product_id" json:"product_id"`
	ProductName   string        `db:"product_name" json:"product_name"`
	Quantity      int64         `db:"quantity" json:"quantity"`
	UnitPrice     domain.Amount `db:"unit_price_cents" json:"unit_price"`
	Profit        domain.Amount `db:"profit_cents" json:"profit"`
}

type saleReportEntry struct {
	domain.Transaction
	Items []saleReportItem `json:"items"`
}

func (h *Handler) salesReport(w http.ResponseWriter, r *http.Request) {
	if !h.requireRole(w, r, "admin") {
		return
	}

	var (
		args    []any
		clauses []string
	)

	startDate := strings.TrimSpace(r.URL.Query().Get("start_date"))
	if startDate != "" {
		if _, err := time.Parse("2006-01-02", startDate); err != nil {
			respondError(w, http.StatusBadRequest, "start_date must be in YYYY-MM-DD format")
			return
		}
		args = append(args, startDate)
		clauses = append(clauses, fmt.Sprintf("DATE(created_at) >= $%d", len(args)))
	}

	endDate := strings.TrimSpace(r.URL.Query().Get("end_date"))
	if endDate != "" {
		if _, err := time.Parse("2006-01-02", endDate); err != nil {
			respondError(w, http.StatusBadRequest, "end_date must be in YYYY-MM-DD format")
			return
		}
		args = append(args, endDate)
		clauses = append(clauses, fmt.Sprintf("DATE(created_at) <= $%d", len(args)))
	}

	query := `SELECT id, reference, user_id, member_id, total_cents, discount_cents, payment_method, idempotency_key, created_at FROM transactions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	var transactions []domain.Transaction
	if err := h.db.Select(&transactions, query, args...); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to fetch sales report")
		return
	}
	if len(transactions) == 0 {
		respondJSON(w, http.StatusOK, []saleReportEntry{})
		return
	}

	ids := make([]int64, len(transactions))
	for i, tx := range transactions {
		ids[i] = tx.ID
	}

	itemsQuery, itemsArgs, err := sqlx.In(`SELECT ti.transaction_id, ti.product_id, ti.quantity, ti.unit_price_cents,
	            (ti.unit_price_cents - ti.base_unit_price_cents) * ti.quantity AS profit_cents,
	            COALESCE(p.name, 'unknown product') AS product_name
                FROM transaction_items ti
                LEFT JOIN products p ON p.id = ti.product_id
                WHERE ti.transaction_id IN (?)`, ids)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "unable to prepare report items query")
		return
	}
	itemsQuery = h.db.Rebind(itemsQuery)

	var rows []saleReportItem
	if err := h.db.Select(&rows, itemsQuery, itemsArgs...); err != nil {
		respondError(w, http.StatusInternalServerError, "unable to load report items")
		return
	}
	itemsByTransaction := make(map[int64][]saleReportItem)
	for _, row := range rows {
		itemsByTransaction[row.TransactionID] = append(itemsByTransaction[row.TransactionID], row)
	}

	report := make([]saleReportEntry, len(transactions))
	for i, tx := range transactions {
		items := itemsByTransaction[tx.ID]
		if items == nil {
			items = []saleReportItem{}
		}
		report[i] = saleReportEntry{Transaction: tx, Items: items}
	}

	respondJSON(w, http.StatusOK, report)
}

// Helpers

func decodeJSON(r *http.Request, dest interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	_ = encoder.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
