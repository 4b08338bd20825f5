package bus

// Stream names are part of the wire contract between the engine's services.
const (
	StreamPriceUpdates         = "stream:price-updates"
	StreamSwapEvents           = "stream:swap-events"
	StreamOpportunities        = "stream:opportunities"
	StreamWhaleAlerts          = "stream:whale-alerts"
	StreamVolumeAggregates     = "stream:volume-aggregates"
	StreamHealth               = "stream:health"
	StreamExecutionRequests    = "stream:execution-requests"
	StreamExecutionResults     = "stream:execution-results"
	StreamPendingOpportunities = "stream:pending-opportunities"
	StreamCircuitBreaker       = "stream:circuit-breaker"
	StreamSystemFailover       = "stream:system-failover"
)

// Consumer group names shared across deployments.
const (
	GroupExecutionEngine    = "execution-engine-group"
	GroupCrossChainDetector = "cross-chain-detector-group"
	GroupAnalytics          = "analytics-group"
)

// deadLetterPrefix tags locally parked messages by their target stream.
const deadLetterPrefix = "deadletter:"
