package model

import "time"

type Activation struct {
	ID          int64     `json:"id"`
	LicenseID   int64     `json:"license_id"`
	ProductID   int64     `json:"product_id"`
	Domain      string    `json:"domain"`
	IPAddress   string    `json:"ip_address"`
	ActivatedAt time.Time `json:"activated_at"`
}

type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}

type ActivationStats struct {
	TotalActivations int           `json:"total_activations"`
	ActivationsToday int           `json:"activations_today"`
	TopDomains       []DomainCount `json:"top_domains"`
}
