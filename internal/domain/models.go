package domain

import "time"

const (
	ProductStatusInStock      = "IN_STOCK"
	ProductStatusOutOfStock   = "OUT_OF_STOCK"
	ProductStatusDiscontinued = "DISCONTINUED"
)

const (
	OrderStatusPending   = "PENDING"
	OrderStatusConfirmed = "CONFIRMED"
	OrderStatusCompleted = "COMPLETED"
	OrderStatusCanceled  = "CANCELED"
)

const (
	MovementIn  = "IN"
	MovementOut = "OUT"
)

const (
	ReferencePurchaseOrder = "PURCHASE_ORDER"
	ReferenceSaleOrder     = "SALE_ORDER"
	ReferenceSaleReturn    = "SALE_RETURN"
	ReferenceSaleExchange  = "SALE_EXCHANGE"
)

const (
	ReturnTypeReturn   = "RETURN"
	ReturnTypeExchange = "EXCHANGE"
)

const (
	ReturnStatusRequested = "REQUESTED"
	ReturnStatusApproved  = "APPROVED"
	ReturnStatusRejected  = "REJECTED"
	ReturnStatusCompleted = "COMPLETED"
)

const (
	ShipmentStatusPreparing = "PREPARING"
	ShipmentStatusShipped   = "SHIPPED"
	ShipmentStatusDelivered = "DELIVERED"
)

const (
	PaymentMethodCash     = "CASH"
	PaymentMethodTransfer = "TRANSFER"
)

const (
	PromotionTypePercent = "PERCENT"
	PromotionTypeFixed   = "FIXED"
)

type Product struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	ProductCode   string    `json:"product_code"`
	Name          string    `json:"name"`
	Brand         string    `json:"brand,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	PriceCents    int64     `json:"price_cents"`
	StockQuantity int       `json:"stock_quantity"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ProductCreateRequest struct {
	SKU          string `json:"sku"`
	ProductCode  string `json:"product_code"`
	Name         string `json:"name"`
	Brand        string `json:"brand"`
	ImageURL     string `json:"image_url"`
	PriceCents   int64  `json:"price_cents"`
	InitialStock int    `json:"initial_stock"`
}

type ProductUpdateRequest struct {
	Name       *string `json:"name,omitempty"`
	Brand      *string `json:"brand,omitempty"`
	ImageURL   *string `json:"image_url,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	// Status only accepts DISCONTINUED or IN_STOCK; stock-derived values are
	// recomputed by the store on every stock mutation.
	Status *string `json:"status,omitempty"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WalkInCustomer identifies an in-store buyer with no login account.
// Phone is the dedup key.
type WalkInCustomer struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type CartItem struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	AddedAt   time.Time `json:"added_at"`
}

type Cart struct {
	CustomerID string     `json:"customer_id"`
	Items      []CartItem `json:"items"`
}

type CartAddRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CartUpdateRequest struct {
	Quantity int `json:"quantity"`
}

// OrderDetail carries an immutable snapshot of the product as sold. Later
// catalog edits never alter historical orders.
type OrderDetail struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id"`
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	ProductName    string `json:"product_name"`
	ProductCode    string `json:"product_code"`
	ProductImage   string `json:"product_image,omitempty"`
}

type Order struct {
	ID                    string        `json:"id"`
	CustomerID            string        `json:"customer_id,omitempty"`
	EmployeeID            string        `json:"employee_id,omitempty"`
	Status                string        `json:"status"`
	TotalAmountCents      int64         `json:"total_amount_cents"`
	DiscountCents         int64         `json:"discount_cents"`
	ShippingFeeCents      int64         `json:"shipping_fee_cents"`
	ShippingDiscountCents int64         `json:"shipping_discount_cents"`
	FinalAmountCents      int64         `json:"final_amount_cents"`
	PaymentMethod         string        `json:"payment_method"`
	PromotionCode         string        `json:"promotion_code,omitempty"`
	Notes                 string        `json:"notes,omitempty"`
	ShippingAddress       string        `json:"shipping_address,omitempty"`
	OrderDate             time.Time     `json:"order_date"`
	DeliveredAt           *time.Time    `json:"delivered_at,omitempty"`
	CompletedAt           *time.Time    `json:"completed_at,omitempty"`
	ReturnWindowDays      *int          `json:"return_window_days,omitempty"`
	Details               []OrderDetail `json:"details"`
}

// OrderLine is one requested line of a direct or walk-in sale.
type OrderLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type OrderCreateRequest struct {
	PaymentMethod         string `json:"payment_method"`
	PromotionCode         string `json:"promotion_code,omitempty"`
	ShippingFeeCents      int64  `json:"shipping_fee_cents"`
	ShippingDiscountCents int64  `json:"shipping_discount_cents"`
	ShippingAddress       string `json:"shipping_address,omitempty"`
	Notes                 string `json:"notes,omitempty"`
}

type DirectOrderRequest struct {
	Line OrderLine          `json:"line"`
	Info OrderCreateRequest `json:"info"`
}

type WalkInOrderRequest struct {
	Customer WalkInCustomer     `json:"customer"`
	Lines    []OrderLine        `json:"lines"`
	Info     OrderCreateRequest `json:"info"`
}

// LedgerEntry is one immutable stock movement. Reversals are new entries with
// the opposite direction, never updates.
type LedgerEntry struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	Direction     string    `json:"direction"`
	Quantity      int       `json:"quantity"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	Note          string    `json:"note,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StockReconciliation compares the live register quantity against the sum of
// ledger movements for one product.
type StockReconciliation struct {
	ProductID   string `json:"product_id"`
	LedgerQty   int    `json:"ledger_qty"`
	RegisterQty int    `json:"register_qty"`
	DriftQty    int    `json:"drift_qty"`
	Balanced    bool   `json:"balanced"`
}

type LedgerQuery struct {
	ProductID     string
	ReferenceType string
	ReferenceID   string
	From          *time.Time
	To            *time.Time
	Limit         int
}

type OrderReturnItem struct {
	ID                string `json:"id"`
	OrderDetailID     string `json:"order_detail_id"`
	ProductID         string `json:"product_id"`
	Quantity          int    `json:"quantity"`
	ExchangeProductID string `json:"exchange_product_id,omitempty"`
	ExchangeQuantity  int    `json:"exchange_quantity,omitempty"`
	LineRefundCents   int64  `json:"line_refund_cents"`
}

type OrderReturn struct {
	ID                string            `json:"id"`
	OrderID           string            `json:"order_id"`
	CustomerID        string            `json:"customer_id,omitempty"`
	Type              string            `json:"type"`
	Status            string            `json:"status"`
	Reason            string            `json:"reason"`
	AdminNote         string            `json:"admin_note,omitempty"`
	RefundAmountCents int64             `json:"refund_amount_cents"`
	EmployeeID        string            `json:"employee_id,omitempty"`
	RequestedAt       time.Time         `json:"requested_at"`
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	Items             []OrderReturnItem `json:"items"`
}

type ReturnRequestLine struct {
	OrderDetailID     string `json:"order_detail_id"`
	Quantity          int    `json:"quantity"`
	ExchangeProductID string `json:"exchange_product_id,omitempty"`
	ExchangeQuantity  int    `json:"exchange_quantity,omitempty"`
}

type ReturnCreateRequest struct {
	OrderID string              `json:"order_id"`
	Reason  string              `json:"reason"`
	Lines   []ReturnRequestLine `json:"lines"`
}

type ReturnDecisionRequest struct {
	AdminNote           string `json:"admin_note"`
	RefundOverrideCents *int64 `json:"refund_override_cents,omitempty"`
}

type Shipment struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"order_id"`
	Status         string    `json:"status"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type Promotion struct {
	Code             string    `json:"code"`
	Type             string    `json:"type"`
	Percent          float64   `json:"percent,omitempty"`
	AmountCents      int64     `json:"amount_cents,omitempty"`
	MaxDiscountCents int64     `json:"max_discount_cents,omitempty"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

type PromotionCreateRequest struct {
	Code             string  `json:"code"`
	Type             string  `json:"type"`
	Percent          float64 `json:"percent"`
	AmountCents      int64   `json:"amount_cents"`
	MaxDiscountCents int64   `json:"max_discount_cents"`
}

type StockReceiveRequest struct {
	ProductID   string `json:"product_id"`
	Quantity    int    `json:"quantity"`
	ReferenceID string `json:"reference_id,omitempty"`
	Note        string `json:"note,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username   string
	Role       string
	CustomerID string
}

type EmployeeCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type EmployeeUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username   string
	Password   string
	Role       string
	Active     bool
	CustomerID string
	CreatedAt  time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AssociationPair struct {
	SourceProductID string
	TargetProductID string
	Affinity        float64
}

type RecommendationRequest struct {
	ProductIDs []string `json:"product_ids"`
	Limit      int      `json:"limit"`
}

type Recommendation struct {
	ProductID  string  `json:"product_id"`
	Name       string  `json:"name"`
	PriceCents int64   `json:"price_cents"`
	Confidence float64 `json:"confidence"`
}

type RecommendationResponse struct {
	Recommendations []Recommendation `json:"recommendations"`
	LatencyMS       int64            `json:"latency_ms"`
}

type RetrainResponse struct {
	UpdatedPairs int    `json:"updated_pairs"`
	UpdatedAt    string `json:"updated_at"`
}

type OrderQuery struct {
	CustomerID string
	Status     string
	Limit      int
}
