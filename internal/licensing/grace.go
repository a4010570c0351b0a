package licensing

import (
	"time"

	"github.com/dukerupert/keygate/internal/model"
)

// GracePolicy decides whether a license that is past its expiry date
// should still validate for now.
type GracePolicy interface {
	InGrace(l *model.License, now time.Time) bool
}

// NoGrace expires licenses at their expiry instant.
type NoGrace struct{}

func (NoGrace) InGrace(*model.License, time.Time) bool { return false }

// FixedGrace keeps a license valid for a number of days past expiry.
type FixedGrace struct {
	Days int
}

func (g FixedGrace) InGrace(l *model.License, now time.Time) bool {
	if g.Days <= 0 || l.ExpiresAt == nil {
		return false
	}
	return now.Before(l.ExpiresAt.AddDate(0, 0, g.Days))
}

// GraceFor returns FixedGrace for positive days and NoGrace otherwise.
func GraceFor(days int) GracePolicy {
	if days > 0 {
		return FixedGrace{Days: days}
	}
	return NoGrace{}
}
