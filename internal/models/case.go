package models

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Case payment states.
const (
	CasePaymentUnpaid   = "unpaid"
	CasePaymentPaid     = "paid"
	CasePaymentRefunded = "refunded"
)

// Case is a visa or passport application handled by a case manager.
type Case struct {
	BaseModel
	CaseNumber           string              `gorm:"uniqueIndex" json:"case_number"`
	ApplicantName        string              `json:"applicant_name"`
	ApplicantEmail       string              `json:"applicant_email"`
	ServiceTypeID        *uuid.UUID          `gorm:"type:uuid" json:"service_type_id"`
	ServiceType          *ServiceType        `json:"service_type,omitempty"`
	ServiceLevelID       *uuid.UUID          `gorm:"type:uuid" json:"service_level_id"`
	ServiceLevel         *ServiceLevel       `json:"service_level,omitempty"`
	CaseManagerID        *uuid.UUID          `gorm:"type:uuid" json:"case_manager_id"`
	CaseManager          *CaseManager        `json:"case_manager,omitempty"`
	ProcessingLocationID *uuid.UUID          `gorm:"type:uuid" json:"processing_location_id"`
	ProcessingLocation   *ProcessingLocation `json:"processing_location,omitempty"`
	PaymentProcessorID   *uuid.UUID          `gorm:"type:uuid" json:"payment_processor_id"`
	Discount             decimal.Decimal     `gorm:"type:numeric(12,2);default:0" json:"discount"`
	// ShippingOptions holds the ids (or titles) of the selected additional
	// shipping options as a JSON array.
	ShippingOptions datatypes.JSON `json:"shipping_options"`
	PaymentStatus   string         `gorm:"default:unpaid" json:"payment_status"`
	PaymentInFlight bool           `gorm:"default:false" json:"-"`
}

// SelectedShippingOptions decodes the shipping option selection.
func (c *Case) SelectedShippingOptions() []string {
	if len(c.ShippingOptions) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(c.ShippingOptions, &out); err != nil {
		return nil
	}
	return out
}

// SetShippingOptions replaces the shipping option selection.
func (c *Case) SetShippingOptions(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(ids)
	c.ShippingOptions = datatypes.JSON(data)
}

type ServiceType struct {
	BaseModel
	Name string `gorm:"uniqueIndex" json:"name"`
}

// ServiceLevel is a priced processing tier of a service type.
type ServiceLevel struct {
	BaseModel
	ServiceTypeID    uuid.UUID       `gorm:"type:uuid;index" json:"service_type_id"`
	Name             string          `json:"name"`
	Price            decimal.Decimal `gorm:"type:numeric(12,2)" json:"price"`
	ServiceFee       decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"service_fee"`
	NonRefundableFee decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"non_refundable_fee"`
}

type CaseManager struct {
	BaseModel
	Name  string `json:"name"`
	Email string `json:"email"`
}

type ProcessingLocation struct {
	BaseModel
	Name          string          `json:"name"`
	ProcessingFee decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"processing_fee"`
}

// ShippingOption is one entry of the additional shipping price list.
type ShippingOption struct {
	BaseModel
	Title  string          `gorm:"uniqueIndex" json:"title"`
	Price  decimal.Decimal `gorm:"type:numeric(12,2)" json:"price"`
	Active bool            `gorm:"not null" json:"active"`
}

// PaymentProcessor is the gateway configuration a charge was sent through.
type PaymentProcessor struct {
	BaseModel
	Name                string          `gorm:"uniqueIndex" json:"name"`
	OnlineProcessingFee decimal.Decimal `gorm:"type:numeric(12,2);default:0" json:"online_processing_fee"`
	IsDefault           bool            `json:"is_default"`
	Active              bool            `gorm:"not null" json:"active"`
}
