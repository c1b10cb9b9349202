package monitor

import (
	"math"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// trendWindow is the maximum number of points the trend fit considers.
const trendWindow = 72

// Classification boundaries for the least-squares trend fit.
const (
	volatilitySigma = 0.2
	stableSlope     = 0.001
)

// AnalyzeTrend classifies a metric series by fitting a least-squares
// slope over the last trendWindow points. High volatility dominates the
// classification; a near-zero slope is stable; otherwise the sign of the
// slope decides. Deterministic for identical input series.
func AnalyzeTrend(points []models.TimeSeriesPoint) models.TrendAnalysis {
	if len(points) > trendWindow {
		points = points[len(points)-trendWindow:]
	}

	analysis := models.TrendAnalysis{
		Trend:       models.STABLE,
		SampleCount: len(points),
	}
	if len(points) < 3 {
		return analysis
	}

	values := make([]float64, len(points))
	for i, point := range points {
		values[i] = point.Value
	}

	slope := leastSquaresSlope(values)
	sigma := standardDeviation(values)

	analysis.Slope = slope
	analysis.Volatility = sigma
	analysis.Strength = math.Min(1.0, math.Abs(slope)*100)
	analysis.Confidence = math.Max(0.0, 1.0-2*sigma)

	switch {
	case sigma > volatilitySigma:
		analysis.Trend = models.VOLATILE
	case math.Abs(slope) < stableSlope:
		analysis.Trend = models.STABLE
	case slope > 0:
		analysis.Trend = models.IMPROVING
	default:
		analysis.Trend = models.DECLINING
	}

	return analysis
}

// leastSquaresSlope fits value = slope*index + intercept and returns the
// slope.
func leastSquaresSlope(values []float64) float64 {
	n := float64(len(values))

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denominator := n*sumXX - sumX*sumX
	if denominator == 0 {
		return 0
	}

	return (n*sumXY - sumX*sumY) / denominator
}

// standardDeviation returns the population standard deviation.
func standardDeviation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return math.Sqrt(variance)
}

// mean returns the arithmetic mean of the last n point values, or the
// fallback when the series is empty. n <= 0 means all points.
func mean(points []models.TimeSeriesPoint, n int, fallback float64) float64 {
	if n > 0 && len(points) > n {
		points = points[len(points)-n:]
	}
	if len(points) == 0 {
		return fallback
	}

	sum := 0.0
	for _, point := range points {
		sum += point.Value
	}

	return sum / float64(len(points))
}
