// Package v1 contains the Survey and Participation resources of the
// example.com/v1 API group.
//
// Surveys are written by the survey backend and describe a buildable,
// multi-container simulation. Participations are one participant's running
// instance of a Survey.
package v1
