package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// SurveyState is the build state of a Survey.
type SurveyState string

const (
	SurveyStateUnknown  SurveyState = ""
	SurveyStateBuilding SurveyState = "Building"
	SurveyStateReady    SurveyState = "Ready"
	SurveyStateFailed   SurveyState = "Failed"
	// SurveyStateStarted is sticky: once a session runs against a Survey it is
	// never rebuilt.
	SurveyStateStarted SurveyState = "Started"
)

// ROSVersion selects the recording toolchain of a Survey.
type ROSVersion string

const (
	ROSVersion1 ROSVersion = "1"
	ROSVersion2 ROSVersion = "2"
)

// Survey describes a buildable, versioned multi-container simulation application.
type Survey struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   SurveySpec   `json:"spec"`
	Status SurveyStatus `json:"status,omitempty"`
}

type SurveySpec struct {
	// BuildVersion is bumped by the backend every time build inputs change.
	BuildVersion int64 `json:"buildVersion"`
	// Started is set once a session runs against the survey.
	Started bool `json:"started,omitempty"`

	GitRepo    GitRepo           `json:"gitRepo"`
	Containers []SurveyContainer `json:"containers,omitempty"`

	ROSVersion ROSVersion `json:"rosVersion"`
	// RosbagTopics is the set of recorded topics. Empty records everything.
	RosbagTopics []string `json:"rosbagTopics,omitempty"`
}

type GitRepo struct {
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
	// AuthSecretRef names a Secret holding an access token under the "token" key.
	AuthSecretRef string `json:"authSecret,omitempty"`
}

type SurveyContainer struct {
	Name           string          `json:"name"`
	DockerfilePath string          `json:"dockerfile"`
	Ports          []ContainerPort `json:"ports,omitempty"`
}

type ContainerPort struct {
	ContainerPort int32 `json:"containerPort"`
	// ServicePort exposes the port through a Service and Ingress when set.
	ServicePort *int32 `json:"servicePort,omitempty"`
}

type SurveyStatus struct {
	State SurveyState `json:"state,omitempty"`
	// ObservedVersion is the last BuildVersion a build was attempted for. It never decreases.
	ObservedVersion     int64        `json:"observedVersion,omitempty"`
	LastSuccessfulBuild *metav1.Time `json:"lastSuccessfulBuild,omitempty"`
}

// SurveyList is a list of Surveys.
type SurveyList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []Survey `json:"items"`
}

// ParticipationPhase is the lifecycle phase of a Participation.
type ParticipationPhase string

const (
	ParticipationPhaseUnknown     ParticipationPhase = ""
	ParticipationPhaseRunning     ParticipationPhase = "Running"
	ParticipationPhaseTerminating ParticipationPhase = "Terminating"
)

// Participation is one participant's running instance of a Survey.
type Participation struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   ParticipationSpec    `json:"spec"`
	Status *ParticipationStatus `json:"status,omitempty"`
}

type ParticipationSpec struct {
	SurveyName string `json:"surveyName"`
	UserID     string `json:"userId"`
}

type ParticipationStatus struct {
	Phase ParticipationPhase `json:"phase,omitempty"`
	// RosbagFile is the recording file name on the participation volume.
	RosbagFile string `json:"rosbagFile,omitempty"`
	// Endpoints are the externally reachable hostnames, one per exposed port.
	Endpoints []string `json:"endpoints,omitempty"`
	// Message describes the last teardown failure. It is always written so
	// that a later status update clears it.
	Message string `json:"message"`
}

// ParticipationList is a list of Participations.
type ParticipationList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []Participation `json:"items"`
}
