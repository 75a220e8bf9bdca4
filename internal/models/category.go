package models

import "time"

// FieldType names the CRM field a provider category maps onto
type FieldType string

const (
	FieldTypeSource    FieldType = "source"
	FieldTypeStage     FieldType = "stage"
	FieldTypeSubSource FieldType = "sub_source"
)

// IsValid reports whether ft is a known field type
func (ft FieldType) IsValid() bool {
	switch ft {
	case FieldTypeSource, FieldTypeStage, FieldTypeSubSource:
		return true
	}
	return false
}

// FieldMapping is the result of mapping a provider category
type FieldMapping struct {
	FieldType  FieldType `json:"field_type"`
	FieldValue string    `json:"field_value"`
}

// CategoryMapping maps a provider-specific email category to a CRM field value
type CategoryMapping struct {
	CategoryName string    `json:"category_name" db:"category_name" validate:"required"`
	FieldType    FieldType `json:"field_type" db:"field_type" validate:"required,oneof=source stage sub_source"`
	FieldValue   string    `json:"field_value" db:"field_value" validate:"required"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Mapping returns the field mapping of m
func (m *CategoryMapping) Mapping() *FieldMapping {
	return &FieldMapping{FieldType: m.FieldType, FieldValue: m.FieldValue}
}
