package store

import (
	"context"
	"errors"
	"time"

	"storems/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrProductUnavailable  = errors.New("product unavailable")
	ErrReturnWindowExpired = errors.New("return window expired")
	ErrOwnershipViolation  = errors.New("ownership violation")
	ErrInvalidQuantity     = errors.New("invalid quantity")
)

// Repository is the persistence boundary of the fulfillment engine. The
// multi-row mutations (CreateOrder, CancelOrder, CompleteOrderReturn,
// ReceiveStock) are atomic: either every stock change and ledger entry they
// imply commits, or none does.
type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	ReceiveStock(ctx context.Context, entry domain.LedgerEntry) (*domain.Product, error)
	ListLedgerEntries(ctx context.Context, q domain.LedgerQuery) ([]domain.LedgerEntry, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	FindCustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCart(ctx context.Context, customerID string) (*domain.Cart, error)
	UpsertCartItem(ctx context.Context, customerID string, item domain.CartItem) (*domain.Cart, error)
	UpdateCartItemQuantity(ctx context.Context, customerID string, itemID string, quantity int) (*domain.Cart, error)
	RemoveCartItem(ctx context.Context, customerID string, itemID string) (*domain.Cart, error)
	ClearCart(ctx context.Context, customerID string) error
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, q domain.OrderQuery) ([]domain.Order, error)
	ConfirmOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)
	CompleteOrder(ctx context.Context, orderID string, at time.Time, returnWindowDays int) (*domain.Order, error)
	CreateShipment(ctx context.Context, shipment domain.Shipment) (*domain.Shipment, error)
	GetShipmentByOrder(ctx context.Context, orderID string) (*domain.Shipment, error)
	CreateOrderReturn(ctx context.Context, ret domain.OrderReturn) (*domain.OrderReturn, error)
	GetOrderReturnByID(ctx context.Context, id string) (*domain.OrderReturn, error)
	ListOrderReturns(ctx context.Context, orderID string) ([]domain.OrderReturn, error)
	GetReturnedQtyByOrder(ctx context.Context, orderID string) (map[string]int, error)
	DecideOrderReturn(ctx context.Context, returnID string, status string, employeeID string, adminNote string, refundCents int64, at time.Time) (*domain.OrderReturn, error)
	CompleteOrderReturn(ctx context.Context, returnID string, at time.Time) (*domain.OrderReturn, error)
	CreatePromotion(ctx context.Context, promo domain.Promotion) (*domain.Promotion, error)
	ListPromotions(ctx context.Context) ([]domain.Promotion, error)
	GetPromotionByCode(ctx context.Context, code string) (*domain.Promotion, error)
	GetSetting(ctx context.Context, key string) (*domain.Setting, error)
	UpsertSetting(ctx context.Context, setting domain.Setting) error
	GetAssociationPairs(ctx context.Context, sourceIDs []string) ([]domain.AssociationPair, error)
	RebuildAssociationPairs(ctx context.Context) (int, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
