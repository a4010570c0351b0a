package licensing

import "errors"

var (
	ErrLicenseNotFound    = errors.New("license not found")
	ErrProductNotFound    = errors.New("product not found")
	ErrActivationNotFound = errors.New("activation not found")
	ErrArtifactNotFound   = errors.New("update package not found")

	ErrProductMismatch = errors.New("license does not belong to this product")
	ErrLicenseInactive = errors.New("license is inactive")
	ErrLicenseDisabled = errors.New("license is disabled")
	ErrLicenseExpired  = errors.New("license has expired")
	ErrInvalidDomain   = errors.New("invalid domain")
	ErrInvalidInput    = errors.New("invalid input")

	ErrActivationLimit = errors.New("maximum activations reached")
)

// Kind classifies errors returned by this package.
type Kind int

const (
	KindStorage Kind = iota
	KindNotFound
	KindValidation
	KindLimit
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation_failed"
	case KindLimit:
		return "limit_exceeded"
	default:
		return "storage"
	}
}

// KindOf reports the kind of err. Errors that are not one of this
// package's sentinels are storage failures.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrLicenseNotFound),
		errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrActivationNotFound),
		errors.Is(err, ErrArtifactNotFound):
		return KindNotFound
	case errors.Is(err, ErrProductMismatch),
		errors.Is(err, ErrLicenseInactive),
		errors.Is(err, ErrLicenseDisabled),
		errors.Is(err, ErrLicenseExpired),
		errors.Is(err, ErrInvalidDomain),
		errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrActivationLimit):
		return KindLimit
	default:
		return KindStorage
	}
}
