package agent

// Capability names shared by the orchestrator and the bundled agents.
const (
	CapabilityIntentRecognition = "intent_recognition"
	CapabilityTaskPlanning      = "task_planning"
	CapabilityReportGeneration  = "report_generation_service"
	CapabilityKnowledge         = "knowledge_retrieval"

	CapabilityGitHubData         = "data_retrieval_github"
	CapabilityOSVData            = "data_retrieval_osv"
	CapabilityWebSearch          = "web_search"
	CapabilityActivityEvaluation = "project_evaluation_activity"
	CapabilitySecurityEvaluation = "project_evaluation_security"
	CapabilityLicenseEvaluation  = "project_evaluation_license"
)
