package metrics

/*
Labels and so on for metrics used in luffy.
*/

const (
	LabelMethod  = "method"
	LabelRoute   = "route"
	LabelSuccess = "success"

	// Labels for provisioning and promotion metrics
	LabelStep        = "step"
	LabelOutcome     = "outcome"
	LabelEnvironment = "environment"

	// Labels for pipeline cache metrics
	LabelCache  = "cache"
	LabelResult = "result"
)
