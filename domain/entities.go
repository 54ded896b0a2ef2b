package domain

import "time"

type (
	// Tenant is the root of isolation. Deleting a tenant cascades to every
	// entity carrying its ID.
	Tenant struct {
		ID        string    `bson:"_id"`
		Name      string    `bson:"name"`
		CreatedAt time.Time `bson:"created_at"`
	}

	// User is a tenant member. Email is unique within a tenant.
	User struct {
		ID           string `bson:"_id"`
		TenantID     string `bson:"tenant_id"`
		Email        string `bson:"email"`
		PasswordHash string `bson:"password_hash"`
		FirstName    string `bson:"first_name"`
		LastName     string `bson:"last_name"`
		RoleID       string `bson:"role_id"`
		IsActive     bool   `bson:"is_active"`
	}

	// MaterialType names a raw material family (e.g. S235 steel).
	MaterialType struct {
		ID       string `bson:"_id"`
		TenantID string `bson:"tenant_id"`
		Code     string `bson:"code"`
		Name     string `bson:"name"`
	}

	// StockItem is one physical slab or bar class held in inventory.
	// Dimensions are integer millimetres; UnitPrice is in minor currency
	// units. Reserved never exceeds Quantity.
	StockItem struct {
		ID             string    `bson:"_id"`
		TenantID       string    `bson:"tenant_id"`
		Code           string    `bson:"code"`
		Name           string    `bson:"name"`
		MaterialTypeID string    `bson:"material_type_id"`
		Thickness      int64     `bson:"thickness"`
		StockType      StockType `bson:"stock_type"`
		Length         int64     `bson:"length,omitempty"`
		Width          int64     `bson:"width,omitempty"`
		Height         int64     `bson:"height,omitempty"`
		Quantity       int       `bson:"quantity"`
		ReservedQty    int       `bson:"reserved_qty"`
		UnitPrice      int64     `bson:"unit_price,omitempty"`
		IsFromWaste    bool      `bson:"is_from_waste"`
		LocationID     string    `bson:"location_id,omitempty"`
	}

	// Order groups customer line items.
	Order struct {
		ID          string    `bson:"_id"`
		TenantID    string    `bson:"tenant_id"`
		OrderNumber string    `bson:"order_number"`
		CustomerID  string    `bson:"customer_id,omitempty"`
		Status      string    `bson:"status"`
		CreatedBy   string    `bson:"created_by"`
		CreatedAt   time.Time `bson:"created_at"`
	}

	// OrderItem describes parts of one geometry to cut. Dimensions must be
	// consistent with the geometry type: BAR carries Length, SHEET carries
	// Length and Width, CIRCLE carries Diameter.
	OrderItem struct {
		ID             string       `bson:"_id"`
		OrderID        string       `bson:"order_id"`
		TenantID       string       `bson:"tenant_id"`
		ItemCode       string       `bson:"item_code,omitempty"`
		GeometryType   GeometryType `bson:"geometry_type"`
		Length         int64        `bson:"length,omitempty"`
		Width          int64        `bson:"width,omitempty"`
		Height         int64        `bson:"height,omitempty"`
		Diameter       int64        `bson:"diameter,omitempty"`
		MaterialTypeID string       `bson:"material_type_id"`
		Thickness      int64        `bson:"thickness"`
		Quantity       int          `bson:"quantity"`
		CanRotate      bool         `bson:"can_rotate"`
	}
)

// StockType discriminates 1D bar stock from 2D sheet stock.
type StockType string

const (
	StockBar1D   StockType = "BAR_1D"
	StockSheet2D StockType = "SHEET_2D"
)

// GeometryType classifies an order item's part geometry.
type GeometryType string

const (
	GeometryBar    GeometryType = "BAR"
	GeometrySheet  GeometryType = "SHEET"
	GeometryCircle GeometryType = "CIRCLE"
)

// Validate checks the stock item dimensional invariants.
func (s StockItem) Validate() error {
	if s.ReservedQty > s.Quantity {
		return Ef(KindValidation, "reserved quantity %d exceeds quantity %d", s.ReservedQty, s.Quantity)
	}
	if s.Quantity < 0 || s.ReservedQty < 0 {
		return E(KindValidation, "quantities must be non-negative")
	}
	switch s.StockType {
	case StockBar1D:
		if s.Length <= 0 {
			return E(KindValidation, "bar stock requires a positive length")
		}
	case StockSheet2D:
		if s.Width <= 0 || s.Height <= 0 {
			return E(KindValidation, "sheet stock requires positive width and height")
		}
	default:
		return Ef(KindValidation, "unknown stock type %q", s.StockType)
	}
	return nil
}

// Validate checks that the item's dimensions match its geometry.
func (i OrderItem) Validate() error {
	if i.Quantity <= 0 {
		return E(KindValidation, "quantity must be positive")
	}
	switch i.GeometryType {
	case GeometryBar:
		if i.Length <= 0 {
			return E(KindValidation, "bar items require a positive length")
		}
	case GeometrySheet:
		if i.Length <= 0 || i.Width <= 0 {
			return E(KindValidation, "sheet items require positive length and width")
		}
	case GeometryCircle:
		if i.Diameter <= 0 {
			return E(KindValidation, "circle items require a positive diameter")
		}
	default:
		return Ef(KindValidation, "unknown geometry type %q", i.GeometryType)
	}
	return nil
}

// Free reports the unreserved quantity of the stock item.
func (s StockItem) Free() int {
	return s.Quantity - s.ReservedQty
}
