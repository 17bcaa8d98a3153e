package pipeline

import (
	"math"
	"time"
)

// SLATargets are the per-run service level objectives used to score a run.
type SLATargets struct {
	OpportunitiesPerMinute float64       // throughput floor
	SuccessRatePercentage  float64       // success floor
	CostPerOpportunityUSD  float64       // cost ceiling
	TotalTime              time.Duration // wall-clock ceiling
}

// DefaultSLATargets match the production dashboards.
func DefaultSLATargets() SLATargets {
	return SLATargets{
		OpportunitiesPerMinute: 1,
		SuccessRatePercentage:  90,
		CostPerOpportunityUSD:  0.05,
		TotalTime:              5 * time.Minute,
	}
}

// SLA sub-score weights; must sum to 1.
const (
	slaWeightThroughput  = 0.25
	slaWeightSuccessRate = 0.35
	slaWeightCost        = 0.15
	slaWeightTotalTime   = 0.25
)

// OpportunitiesPerMinute computes run throughput, rounded to 2 decimals.
func OpportunitiesPerMinute(totalOpportunities int, totalExecutionTimeMs int64) float64 {
	if totalExecutionTimeMs <= 0 {
		return 0
	}
	minutes := float64(totalExecutionTimeMs) / 60000
	return roundTo(float64(totalOpportunities)/minutes, 2)
}

// TokensPerOpportunity computes average token spend, rounded to 2 decimals.
func TokensPerOpportunity(totalTokens, totalOpportunities int) float64 {
	if totalOpportunities <= 0 {
		return 0
	}
	return roundTo(float64(totalTokens)/float64(totalOpportunities), 2)
}

// CostPerOpportunity computes average cost in USD, rounded to 4 decimals.
func CostPerOpportunity(totalCostUSD float64, totalOpportunities int) float64 {
	if totalOpportunities <= 0 {
		return 0
	}
	return roundTo(totalCostUSD/float64(totalOpportunities), 4)
}

// SuccessRate computes the percentage of opportunities that did not fail,
// bounded to [0, 100] and rounded to 2 decimals.
func SuccessRate(totalFailures, totalOpportunities int) float64 {
	denom := totalOpportunities
	if denom < 1 {
		denom = 1
	}
	rate := (1 - float64(totalFailures)/float64(denom)) * 100
	if rate < 0 {
		rate = 0
	}
	if rate > 100 {
		rate = 100
	}
	return roundTo(rate, 2)
}

// SLACompliance is the weighted average of four sub-scores, each in [0,100]:
// throughput and success rate score proportionally up to their target,
// cost and total time score inversely past their ceiling.
func SLACompliance(targets SLATargets, opportunitiesPerMinute, successRatePercentage, costPerOpportunityUSD float64, totalExecutionTimeMs int64) float64 {
	throughputScore := ratioScore(opportunitiesPerMinute, targets.OpportunitiesPerMinute)
	successScore := ratioScore(successRatePercentage, targets.SuccessRatePercentage)
	costScore := inverseRatioScore(costPerOpportunityUSD, targets.CostPerOpportunityUSD)
	timeScore := inverseRatioScore(float64(totalExecutionTimeMs), float64(targets.TotalTime.Milliseconds()))

	compliance := throughputScore*slaWeightThroughput +
		successScore*slaWeightSuccessRate +
		costScore*slaWeightCost +
		timeScore*slaWeightTotalTime
	return roundTo(compliance, 2)
}

// SLAGrade maps a compliance percentage to a letter grade.
func SLAGrade(compliancePercentage float64) string {
	switch {
	case compliancePercentage >= 90:
		return "A"
	case compliancePercentage >= 80:
		return "B"
	case compliancePercentage >= 70:
		return "C"
	case compliancePercentage >= 60:
		return "D"
	default:
		return "F"
	}
}

// ratioScore scores a higher-is-better value against a floor target.
func ratioScore(actual, target float64) float64 {
	if target <= 0 {
		return 100
	}
	score := actual / target * 100
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// inverseRatioScore scores a lower-is-better value against a ceiling target.
func inverseRatioScore(actual, target float64) float64 {
	if actual <= 0 {
		return 100
	}
	if target <= 0 {
		return 0
	}
	score := target / actual * 100
	if score > 100 {
		score = 100
	}
	return score
}

// roundTo rounds half away from zero to the given number of decimals so
// derived metrics are byte-identical across writers.
func roundTo(value float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(value*pow) / pow
}
