package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/sinpe-node/internal/domain"
)

// Points added when a rule triggers
const (
	PointsSingleLimit     = 50
	PointsDailyLimit      = 30
	PointsVelocity        = 40
	PointsRoundAmount     = 10
	PointsRapidSuccession = 15
	PointsRecipientVolume = 20
)

// Score thresholds
const (
	ReviewThreshold = 40
	BlockThreshold  = 70
)

// Rules is the tunable rule set evaluated for every transfer.
type Rules struct {
	SingleLimit map[domain.Channel]decimal.Decimal
	DailyLimit  map[domain.Channel]decimal.Decimal

	VelocityWindow    time.Duration
	VelocityThreshold int

	RoundAmountStep decimal.Decimal
	RoundAmountMin  decimal.Decimal

	RecipientWindow    time.Duration
	RecipientThreshold int

	// Location defines where the daily window starts at midnight.
	Location *time.Location
}

// DefaultRules returns the network's standard limits
func DefaultRules() Rules {
	return Rules{
		SingleLimit: map[domain.Channel]decimal.Decimal{
			domain.ChannelMobile:   decimal.NewFromInt(100_000),
			domain.ChannelSINPE:    decimal.NewFromInt(5_000_000),
			domain.ChannelInternal: decimal.NewFromInt(10_000_000),
		},
		DailyLimit: map[domain.Channel]decimal.Decimal{
			domain.ChannelMobile:   decimal.NewFromInt(500_000),
			domain.ChannelSINPE:    decimal.NewFromInt(10_000_000),
			domain.ChannelInternal: decimal.NewFromInt(50_000_000),
		},
		VelocityWindow:     60 * time.Second,
		VelocityThreshold:  5,
		RoundAmountStep:    decimal.NewFromInt(10_000),
		RoundAmountMin:     decimal.NewFromInt(50_000),
		RecipientWindow:    time.Hour,
		RecipientThreshold: 20,
		Location:           CostaRica(),
	}
}

// CostaRica loads America/Costa_Rica, falling back to a fixed UTC-6 zone
// when tzdata is unavailable. Costa Rica does not observe DST.
func CostaRica() *time.Location {
	loc, err := time.LoadLocation("America/Costa_Rica")
	if err != nil {
		return time.FixedZone("CST", -6*60*60)
	}
	return loc
}

func (r Rules) singleLimit(ch domain.Channel) decimal.Decimal {
	if v, ok := r.SingleLimit[ch]; ok {
		return v
	}
	return r.SingleLimit[domain.ChannelInternal]
}

func (r Rules) dailyLimit(ch domain.Channel) decimal.Decimal {
	if v, ok := r.DailyLimit[ch]; ok {
		return v
	}
	return r.DailyLimit[domain.ChannelInternal]
}

// StartOfDay returns local midnight for t in the rules' zone.
func (r Rules) StartOfDay(t time.Time) time.Time {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
