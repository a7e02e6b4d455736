// Package deviation computes the candidate metrics and swap-worthiness
// scores consumed by the decision engine.
package deviation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	pumpCutoff   = decimal.NewFromFloat(0.05) // initial deviation above this triggers the pump penalty
	pumpMaxPen   = decimal.NewFromInt(20)
	vetoScore    = decimal.NewFromInt(-100)
	divPrecision = int32(16)
)

// Metrics is the tuple produced for one candidate evaluation.
type Metrics struct {
	BaseCoin   string
	TargetCoin string

	BasePrice   decimal.Decimal
	TargetPrice decimal.Decimal

	// RelativeDeviation is ratio_target/ratio_base - 1, the candidate's
	// outperformance relative to the held coin. Logged for dashboards; not
	// used for admission.
	RelativeDeviation decimal.Decimal

	// InitialDeviation is price_target(now)/price_target(baseline) - 1, the
	// candidate's move from its own baseline.
	InitialDeviation decimal.Decimal

	// PotentialUnits is the units of the candidate acquirable at current
	// prices, fee excluded.
	PotentialUnits decimal.Decimal

	// UnitGainPercent compares PotentialUnits against the most units of the
	// candidate ever held. Nil when the candidate was never held.
	UnitGainPercent *decimal.Decimal
}

// ScoreDetails is the scored form of a candidate.
type ScoreDetails struct {
	Metrics

	// BaseScore is InitialDeviation in percent. Negative means the candidate
	// has dropped from its baseline, which is the buy-in condition.
	BaseScore decimal.Decimal

	// FinalScore is BaseScore after the pump penalty and re-entry veto.
	FinalScore decimal.Decimal

	// MeetsThreshold reports whether the candidate is admissible.
	MeetsThreshold bool
}

// Inputs carries everything needed to evaluate one candidate.
type Inputs struct {
	HeldCoin         string
	HeldAmount       decimal.Decimal
	HeldPrice        decimal.Decimal
	HeldBaseline     decimal.Decimal
	CandidateCoin    string
	CandidatePrice   decimal.Decimal
	CandidateBase    decimal.Decimal
	MaxUnitsReached  decimal.Decimal
	CandidateWasHeld bool
}

// Compute produces the metrics tuple for one candidate.
func Compute(in Inputs) (*Metrics, error) {
	if !in.HeldBaseline.IsPositive() || !in.CandidateBase.IsPositive() {
		return nil, fmt.Errorf("missing baseline for %s or %s", in.HeldCoin, in.CandidateCoin)
	}
	if !in.HeldPrice.IsPositive() || !in.CandidatePrice.IsPositive() {
		return nil, fmt.Errorf("non-positive price for %s or %s", in.HeldCoin, in.CandidateCoin)
	}

	ratioHeld := in.HeldPrice.DivRound(in.HeldBaseline, divPrecision)
	ratioCand := in.CandidatePrice.DivRound(in.CandidateBase, divPrecision)

	m := &Metrics{
		BaseCoin:          in.HeldCoin,
		TargetCoin:        in.CandidateCoin,
		BasePrice:         in.HeldPrice,
		TargetPrice:       in.CandidatePrice,
		RelativeDeviation: ratioCand.DivRound(ratioHeld, divPrecision).Sub(decimal.NewFromInt(1)),
		InitialDeviation:  ratioCand.Sub(decimal.NewFromInt(1)),
	}

	heldValue := in.HeldAmount.Mul(in.HeldPrice)
	m.PotentialUnits = heldValue.DivRound(in.CandidatePrice, divPrecision)

	if in.CandidateWasHeld && in.MaxUnitsReached.IsPositive() {
		gain := m.PotentialUnits.DivRound(in.MaxUnitsReached, divPrecision).
			Sub(decimal.NewFromInt(1)).
			Mul(hundred)
		m.UnitGainPercent = &gain
	}

	return m, nil
}

// Score applies the scoring and admission rules to a metrics tuple.
//
// The base score is the candidate's absolute move from its own baseline, in
// percent; admission requires it at or below -threshold. The relative
// outperformance metric is logged but does not participate in admission.
// This sign convention is part of the observable contract and must not be
// "fixed".
func Score(m *Metrics, thresholdPercent decimal.Decimal) ScoreDetails {
	base := m.InitialDeviation.Mul(hundred)
	final := base

	if m.InitialDeviation.GreaterThan(pumpCutoff) {
		penalty := decimal.Min(m.InitialDeviation.Mul(hundred), pumpMaxPen)
		final = final.Sub(penalty)
	}

	if m.UnitGainPercent != nil && m.UnitGainPercent.IsNegative() {
		final = vetoScore
	}

	meets := base.LessThanOrEqual(thresholdPercent.Neg()) &&
		(m.UnitGainPercent == nil || !m.UnitGainPercent.IsNegative())

	return ScoreDetails{
		Metrics:        *m,
		BaseScore:      base,
		FinalScore:     final,
		MeetsThreshold: meets,
	}
}
