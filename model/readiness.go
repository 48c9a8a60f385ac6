package model

// Readiness flag names.
const (
	FlagChecklistComplete = "checklistComplete"
	FlagQualityApproved   = "qualityApproved"
	FlagParametersSet     = "parametersSet"
	FlagFilesUploaded     = "filesUploaded"
	FlagDocumentsReady    = "documentsReady"
)

// KnownReadinessFlags lists every flag a stage may declare.
var KnownReadinessFlags = []string{
	FlagChecklistComplete,
	FlagQualityApproved,
	FlagParametersSet,
	FlagFilesUploaded,
	FlagDocumentsReady,
}

// DefaultReadinessFlags apply to stages that do not declare their own.
var DefaultReadinessFlags = []string{
	FlagChecklistComplete,
	FlagQualityApproved,
}

// IsKnownReadinessFlag reports whether name is a supported flag.
func IsKnownReadinessFlag(name string) bool {
	for _, f := range KnownReadinessFlags {
		if f == name {
			return true
		}
	}
	return false
}
