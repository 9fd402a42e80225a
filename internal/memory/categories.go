// Package memory provides the storage side of the trigger subsystem: the
// Backend contract, the failover Service that fronts a chain of backends, and
// retention/maintenance jobs.
package memory

// Memory categories. Every persisted item belongs to exactly one.
const (
	CategoryProject = "project" // issues, milestones, decisions
	CategoryPattern = "pattern" // workflow and agent operation outcomes
	CategoryTeam    = "team"    // captured knowledge and conventions
	CategoryError   = "error"   // errors and their resolutions
)

// ValidCategories returns the recognized categories.
func ValidCategories() []string {
	return []string{CategoryProject, CategoryPattern, CategoryTeam, CategoryError}
}

// IsValidCategory reports whether cat is a recognized category.
func IsValidCategory(cat string) bool {
	switch cat {
	case CategoryProject, CategoryPattern, CategoryTeam, CategoryError:
		return true
	}
	return false
}

// Well-known metadata keys. Trigger provenance keys are written by the
// orchestrator; outcome keys are read back by the recall pipeline.
const (
	MetaTriggerType     = "trigger_type"
	MetaTriggerPriority = "trigger_priority"
	MetaEventID         = "event_id"
	MetaSource          = "source"
	MetaSuccess         = "success"
	MetaDuration        = "duration_seconds"
	MetaErrorType       = "error_type"
	MetaOperation       = "operation"
)
