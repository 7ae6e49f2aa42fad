package pulse

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// AlertType tags an alert and its details payload.
type AlertType string

// Supported alert types.
const (
	AlertPriceChange  AlertType = "price_change"
	AlertNewPromotion AlertType = "new_promotion"
	AlertMenuChange   AlertType = "menu_change"
)

// AllAlertTypes lists every alert type in a stable order.
func AllAlertTypes() []AlertType {
	return []AlertType{AlertPriceChange, AlertNewPromotion, AlertMenuChange}
}

// ParseAlertType validates a stored alert type.
func ParseAlertType(s string) (AlertType, error) {
	switch t := AlertType(s); t {
	case AlertPriceChange, AlertNewPromotion, AlertMenuChange:
		return t, nil
	default:
		return "", fmt.Errorf("unknown alert type %q", s)
	}
}

// AlertDetails is the typed payload of an alert. Each variant belongs to one AlertType.
type AlertDetails interface {
	AlertType() AlertType
}

// PriceUpdate is one item whose price moved.
type PriceUpdate struct {
	Item     string          `json:"item"`
	OldPrice decimal.Decimal `json:"old_price"`
	NewPrice decimal.Decimal `json:"new_price"`
	Currency string          `json:"currency,omitempty"`
	Reduced  bool            `json:"reduced"`
}

// PriceChangeDetails lists every updated price, sorted by item name.
type PriceChangeDetails struct {
	Updated []PriceUpdate `json:"updated"`
}

// AlertType implements AlertDetails.
func (PriceChangeDetails) AlertType() AlertType { return AlertPriceChange }

// PromotionDetails describes a single new promotion.
type PromotionDetails struct {
	Promotion Promotion `json:"promotion"`
}

// AlertType implements AlertDetails.
func (PromotionDetails) AlertType() AlertType { return AlertNewPromotion }

// MenuChangeDetails lists added and removed menu item names.
type MenuChangeDetails struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// AlertType implements AlertDetails.
func (MenuChangeDetails) AlertType() AlertType { return AlertMenuChange }

// Alert is a change notification for a business.
type Alert struct {
	ID           string       `json:"id"`
	BusinessID   string       `json:"business_id"`
	CompetitorID *string      `json:"competitor_id,omitempty"`
	SnapshotID   string       `json:"snapshot_id,omitempty"`
	Type         AlertType    `json:"alert_type"`
	Message      string       `json:"message"`
	Details      AlertDetails `json:"details"`
	DedupeKey    string       `json:"-"`
	IsRead       bool         `json:"is_read"`
	CreatedAt    time.Time    `json:"created_at"`
}

// EncodeDetails serializes a details payload for storage.
func EncodeDetails(d AlertDetails) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal %s details: %w", d.AlertType(), err)
	}
	return raw, nil
}

// DecodeDetails rebuilds the variant that belongs to t.
func DecodeDetails(t AlertType, raw []byte) (AlertDetails, error) {
	var (
		d   AlertDetails
		err error
	)
	switch t {
	case AlertPriceChange:
		var v PriceChangeDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case AlertNewPromotion:
		var v PromotionDetails
		err = json.Unmarshal(raw, &v)
		d = v
	case AlertMenuChange:
		var v MenuChangeDetails
		err = json.Unmarshal(raw, &v)
		d = v
	default:
		return nil, fmt.Errorf("unknown alert type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s details: %w", t, err)
	}
	return d, nil
}

type alertJSON struct {
	ID           string          `json:"id"`
	BusinessID   string          `json:"business_id"`
	CompetitorID *string         `json:"competitor_id,omitempty"`
	SnapshotID   string          `json:"snapshot_id,omitempty"`
	Type         AlertType       `json:"alert_type"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details"`
	IsRead       bool            `json:"is_read"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UnmarshalJSON decodes the details variant selected by alert_type.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var aux alertJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("unmarshal alert: %w", err)
	}
	*a = Alert{
		ID:           aux.ID,
		BusinessID:   aux.BusinessID,
		CompetitorID: aux.CompetitorID,
		SnapshotID:   aux.SnapshotID,
		Type:         aux.Type,
		Message:      aux.Message,
		IsRead:       aux.IsRead,
		CreatedAt:    aux.CreatedAt,
	}
	if len(aux.Details) == 0 || string(aux.Details) == "null" {
		return nil
	}
	details, err := DecodeDetails(aux.Type, aux.Details)
	if err != nil {
		return err
	}
	a.Details = details
	return nil
}

// AlertEvent is the push payload published for every stored alert.
type AlertEvent struct {
	AlertID      string    `json:"alert_id"`
	BusinessID   string    `json:"business_id"`
	CompetitorID string    `json:"competitor_id"`
	Competitor   string    `json:"competitor"`
	Type         AlertType `json:"alert_type"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewAlertEvent builds the push payload of an alert.
func NewAlertEvent(a Alert, competitorName string) AlertEvent {
	ev := AlertEvent{
		AlertID:    a.ID,
		BusinessID: a.BusinessID,
		Competitor: competitorName,
		Type:       a.Type,
		Message:    a.Message,
		CreatedAt:  a.CreatedAt,
	}
	if a.CompetitorID != nil {
		ev.CompetitorID = *a.CompetitorID
	}
	return ev
}

// Attributes are copied onto the transport message so subscribers can filter.
func (e AlertEvent) Attributes() map[string]string {
	return map[string]string{
		"alert_type":  string(e.Type),
		"business_id": e.BusinessID,
	}
}
