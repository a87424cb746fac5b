package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	GroupName = "example.com"
	Version   = "v1"
)

var (
	SchemeGroupVersion = schema.GroupVersion{Group: GroupName, Version: Version}

	SchemeBuilder = runtime.NewSchemeBuilder(addKnownTypes)
	AddToScheme   = SchemeBuilder.AddToScheme

	SurveysResource        = SchemeGroupVersion.WithResource("surveys")
	ParticipationsResource = SchemeGroupVersion.WithResource("participations")

	SurveyKind        = SchemeGroupVersion.WithKind("Survey")
	ParticipationKind = SchemeGroupVersion.WithKind("Participation")
)

// Resource takes an unqualified resource and returns a Group qualified GroupResource
func Resource(resource string) schema.GroupResource {
	return SchemeGroupVersion.WithResource(resource).GroupResource()
}

func addKnownTypes(scheme *runtime.Scheme) error {
	scheme.AddKnownTypes(SchemeGroupVersion,
		&Survey{},
		&SurveyList{},
		&Participation{},
		&ParticipationList{},
	)
	metav1.AddToGroupVersion(scheme, SchemeGroupVersion)
	return nil
}
