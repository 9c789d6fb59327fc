package http

const (
	Ping    = "Ping"
	Version = "Version"

	CreateCustomer     = "CreateCustomer"
	ListCustomers      = "ListCustomers"
	GetCustomer        = "GetCustomer"
	ProvisioningStatus = "ProvisioningStatus"
	CancelProvisioning = "CancelProvisioning"
	Reinitialize       = "Reinitialize"
	DeleteCustomer     = "DeleteCustomer"
	SuspendCustomer    = "SuspendCustomer"
	ResumeCustomer     = "ResumeCustomer"
	Deployments        = "Deployments"
	History            = "History"
	Integrations       = "Integrations"

	UpsertIntegration         = "UpsertIntegration"
	UpsertCustomerIntegration = "UpsertCustomerIntegration"

	PendingApprovals = "PendingApprovals"
	Promote          = "Promote"
	PromotionStatus  = "PromotionStatus"

	PipelineStatus   = "PipelineStatus"
	CustomerPipeline = "CustomerPipeline"
	PipelineJobs     = "PipelineJobs"
)

// Mutating are the routes that change something outside luffyd, and
// so are rate limited.
var Mutating = []string{
	CreateCustomer,
	CancelProvisioning,
	Reinitialize,
	DeleteCustomer,
	SuspendCustomer,
	ResumeCustomer,
	UpsertIntegration,
	UpsertCustomerIntegration,
	Promote,
}
