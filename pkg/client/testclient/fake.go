// Package testclient builds fake dynamic clients holding Survey and
// Participation objects.
package testclient

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
	surveyclient "github.com/ros-survey/survey-operator/pkg/client"
)

// NewDynamicClient returns a fake dynamic client serving surveys and
// participations. Objects are stored under their registered resource, not
// under a plural guessed from the kind.
func NewDynamicClient(objects ...runtime.Object) (*dynamicfake.FakeDynamicClient, error) {
	client := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			surveyv1.SurveysResource:        "SurveyList",
			surveyv1.ParticipationsResource: "ParticipationList",
		})
	for _, obj := range objects {
		u, ok := obj.(*unstructured.Unstructured)
		if !ok {
			var err error
			if u, err = surveyclient.ToUnstructured(obj); err != nil {
				return nil, err
			}
		}
		gvr, err := resourceFor(u)
		if err != nil {
			return nil, err
		}
		if err := client.Tracker().Create(gvr, u, u.GetNamespace()); err != nil {
			return nil, fmt.Errorf("unable to seed %s %s: %w", gvr.Resource, u.GetName(), err)
		}
	}
	return client, nil
}

func resourceFor(u *unstructured.Unstructured) (schema.GroupVersionResource, error) {
	switch u.GroupVersionKind() {
	case surveyv1.SurveyKind:
		return surveyv1.SurveysResource, nil
	case surveyv1.ParticipationKind:
		return surveyv1.ParticipationsResource, nil
	}
	return schema.GroupVersionResource{}, fmt.Errorf("unsupported kind %s", u.GroupVersionKind())
}
