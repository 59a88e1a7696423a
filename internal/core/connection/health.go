package connection

// Quality bands the connection's recent latency and error history.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// Health is a point-in-time summary of one connection.
type Health struct {
	LatencyMs          float64 `json:"latency_ms"`
	Quality            Quality `json:"quality"`
	MessageRate        float64 `json:"message_rate"`
	ErrorRate          float64 `json:"error_rate"`
	QueueSize          int     `json:"queue_size"`
	BackpressureActive bool    `json:"backpressure_active"`
}

func qualityFor(latencyMs float64, errorCount int64) Quality {
	switch {
	case latencyMs > 2000 || errorCount > 10:
		return QualityCritical
	case latencyMs > 1000 || errorCount > 5:
		return QualityPoor
	case latencyMs > 500 || errorCount > 1:
		return QualityGood
	default:
		return QualityExcellent
	}
}
