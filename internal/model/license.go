package model

import (
	"strings"
	"time"
)

type LicenseStatus string

const (
	LicenseActive   LicenseStatus = "active"
	LicenseInactive LicenseStatus = "inactive"
	LicenseExpired  LicenseStatus = "expired"
	LicenseDisabled LicenseStatus = "disabled"
)

// Valid reports whether s is one of the known statuses.
func (s LicenseStatus) Valid() bool {
	switch s {
	case LicenseActive, LicenseInactive, LicenseExpired, LicenseDisabled:
		return true
	}
	return false
}

type License struct {
	ID             int64         `json:"id"`
	ProductID      int64         `json:"product_id"`
	Key            string        `json:"license_key"`
	Status         LicenseStatus `json:"status"`
	ExpiresAt      *time.Time    `json:"expires_at"`
	MaxActivations int           `json:"max_activations"`
	Activations    int           `json:"activations"`
	Domains        string        `json:"domains"`
	CustomerEmail  string        `json:"customer_email"`
	OrderRef       *string       `json:"order_ref"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// DomainList splits the denormalized domains column.
func (l *License) DomainList() []string {
	if l.Domains == "" {
		return nil
	}
	return strings.Split(l.Domains, ",")
}

// Lifetime reports whether the license never expires.
func (l *License) Lifetime() bool {
	return l.ExpiresAt == nil
}

// PastExpiry reports whether now is at or after the expiry date.
func (l *License) PastExpiry(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}
