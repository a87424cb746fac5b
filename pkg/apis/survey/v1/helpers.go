package v1

import (
	"strings"
)

// SurveyNamePrefix prefixes every Survey derived from a backend project.
const SurveyNamePrefix = "project-"

// SurveyNameForProject returns the Survey name the backend uses for a project.
func SurveyNameForProject(project string) string {
	return SurveyNamePrefix + strings.ToLower(project)
}

// SurveyNameForReference resolves the Survey a Participation points at. The
// backend references surveys by project name, so unprefixed references are
// mapped through SurveyNameForProject.
func SurveyNameForReference(ref string) string {
	ref = strings.ToLower(ref)
	if strings.HasPrefix(ref, SurveyNamePrefix) {
		return ref
	}
	return SurveyNamePrefix + ref
}

// ParticipationName returns the name of the Participation of a user in a survey.
func ParticipationName(userID, surveyName string) string {
	return strings.ToLower(userID + "-" + surveyName)
}

// IsStarted reports whether build reconciliation is permanently bypassed.
func (s *Survey) IsStarted() bool {
	return s.Spec.Started
}

// NeedsBuild reports whether the spec carries a build version that has not
// been attempted yet.
func (s *Survey) NeedsBuild() bool {
	return !s.Spec.Started && s.Spec.BuildVersion > s.Status.ObservedVersion
}
