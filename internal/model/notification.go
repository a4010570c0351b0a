package model

// Lifecycle notification kinds.
const (
	NotifyLicenseCreated  = "license_created"
	NotifyLicenseExpiring = "license_expiring"
	NotifyLicenseExpired  = "license_expired"
)
