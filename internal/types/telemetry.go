package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricSpendGranted       = "SpendGranted"
	MetricSpendDenied        = "SpendDenied"
	MetricSpendRetryExhausted = "SpendRetryExhausted"
	MetricResetApplied       = "ResetApplied"
	MetricCapClampApplied    = "CapClampApplied"
	MetricPaymentCompleted   = "PaymentCompleted"
	MetricPaymentDuplicate   = "PaymentDuplicate"
	MetricSweepDuration      = "SweepDuration"
	MetricAPILatency         = "APILatency"

	// Dimension Keys
	DimReason   = "Reason"
	DimPlan     = "Plan"
	DimKind     = "Kind"
	DimTask     = "Task"
	DimEndpoint = "Endpoint"

	// Metric Namespace
	MetricNamespace = "CoinBank"
)
