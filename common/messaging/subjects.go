package messaging

// Subjects follow {product}.{resource}.{action}.
const (
	SubjectAlertsIngested     = "threatlink.alerts.ingested"
	SubjectAlertsUpdated      = "threatlink.alerts.updated"
	SubjectCorrelationsFound  = "threatlink.correlations.found"
	SubjectCampaignsDetected  = "threatlink.campaigns.detected"
	SubjectCampaignsUpdated   = "threatlink.campaigns.updated"
	SubjectAnalysisFailed     = "threatlink.analysis.failed"
	SubjectConnectorsSynced   = "threatlink.connectors.synced"
	SubjectDLQPrefix          = "threatlink.dlq"
	SubjectEventsWildcard     = "threatlink.>"
	SubjectDLQWildcard        = SubjectDLQPrefix + ".>"
	QueueAnalysisWorkers      = "threatlink-analysis"
	HeaderEventType           = "Threatlink-Event-Type"
	HeaderRunID               = "Threatlink-Run-Id"
	HeaderOriginatingInstance = "Threatlink-Instance"
)

// DLQSubject returns the dead-letter subject for a rejection reason.
// Example: threatlink.dlq.signature_invalid
func DLQSubject(reason string) string {
	if reason == "" {
		reason = "unknown"
	}
	return SubjectDLQPrefix + "." + reason
}
