// Package client provides typed access to Survey and Participation objects
// through the dynamic client.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
)

// Interface gives access to the custom resources of the example.com group.
type Interface interface {
	Surveys() SurveyInterface
	Participations() ParticipationInterface
}

// SurveyInterface reads Surveys and writes their status.
type SurveyInterface interface {
	Get(ctx context.Context, name string) (*surveyv1.Survey, error)
	PatchStatus(ctx context.Context, name string, status *surveyv1.SurveyStatus) (*surveyv1.Survey, error)
}

// ParticipationInterface manages Participations.
type ParticipationInterface interface {
	Get(ctx context.Context, name string) (*surveyv1.Participation, error)
	List(ctx context.Context, opts metav1.ListOptions) (*surveyv1.ParticipationList, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
	PatchStatus(ctx context.Context, name string, status *surveyv1.ParticipationStatus) (*surveyv1.Participation, error)
	SetFinalizers(ctx context.Context, name string, finalizers []string) (*surveyv1.Participation, error)
	RemoveAnnotation(ctx context.Context, name, key string) (*surveyv1.Participation, error)
}

type clientset struct {
	dynamic dynamic.Interface
}

// NewForDynamic wraps a dynamic client.
func NewForDynamic(d dynamic.Interface) Interface {
	return &clientset{dynamic: d}
}

func (c *clientset) Surveys() SurveyInterface {
	return &surveys{client: c.dynamic.Resource(surveyv1.SurveysResource)}
}

func (c *clientset) Participations() ParticipationInterface {
	return &participations{client: c.dynamic.Resource(surveyv1.ParticipationsResource)}
}

type surveys struct {
	client dynamic.NamespaceableResourceInterface
}

func (s *surveys) Get(ctx context.Context, name string) (*surveyv1.Survey, error) {
	u, err := s.client.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return SurveyFromUnstructured(u)
}

func (s *surveys) PatchStatus(ctx context.Context, name string, status *surveyv1.SurveyStatus) (*surveyv1.Survey, error) {
	data, err := statusPatch(status)
	if err != nil {
		return nil, err
	}
	u, err := s.client.Patch(ctx, name, types.MergePatchType, data, metav1.PatchOptions{}, "status")
	if err != nil {
		return nil, err
	}
	return SurveyFromUnstructured(u)
}

type participations struct {
	client dynamic.NamespaceableResourceInterface
}

func (p *participations) Get(ctx context.Context, name string) (*surveyv1.Participation, error) {
	u, err := p.client.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}
	return ParticipationFromUnstructured(u)
}

func (p *participations) List(ctx context.Context, opts metav1.ListOptions) (*surveyv1.ParticipationList, error) {
	ul, err := p.client.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	list := &surveyv1.ParticipationList{
		TypeMeta: metav1.TypeMeta{APIVersion: surveyv1.SchemeGroupVersion.String(), Kind: "ParticipationList"},
	}
	list.Continue = ul.GetContinue()
	list.ResourceVersion = ul.GetResourceVersion()
	for i := range ul.Items {
		item, err := ParticipationFromUnstructured(&ul.Items[i])
		if err != nil {
			return nil, err
		}
		list.Items = append(list.Items, *item)
	}
	return list, nil
}

func (p *participations) Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error {
	return p.client.Delete(ctx, name, opts)
}

func (p *participations) PatchStatus(ctx context.Context, name string, status *surveyv1.ParticipationStatus) (*surveyv1.Participation, error) {
	data, err := statusPatch(status)
	if err != nil {
		return nil, err
	}
	u, err := p.client.Patch(ctx, name, types.MergePatchType, data, metav1.PatchOptions{}, "status")
	if err != nil {
		return nil, err
	}
	return ParticipationFromUnstructured(u)
}

func (p *participations) SetFinalizers(ctx context.Context, name string, finalizers []string) (*surveyv1.Participation, error) {
	if finalizers == nil {
		finalizers = []string{}
	}
	data, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{"finalizers": finalizers},
	})
	if err != nil {
		return nil, err
	}
	u, err := p.client.Patch(ctx, name, types.MergePatchType, data, metav1.PatchOptions{})
	if err != nil {
		return nil, err
	}
	return ParticipationFromUnstructured(u)
}

func (p *participations) RemoveAnnotation(ctx context.Context, name, key string) (*surveyv1.Participation, error) {
	data, err := json.Marshal(map[string]interface{}{
		"metadata": map[string]interface{}{
			"annotations": map[string]interface{}{key: nil},
		},
	})
	if err != nil {
		return nil, err
	}
	u, err := p.client.Patch(ctx, name, types.MergePatchType, data, metav1.PatchOptions{})
	if err != nil {
		return nil, err
	}
	return ParticipationFromUnstructured(u)
}

func statusPatch(status interface{}) ([]byte, error) {
	data, err := json.Marshal(map[string]interface{}{"status": status})
	if err != nil {
		return nil, fmt.Errorf("unable to encode status patch: %w", err)
	}
	return data, nil
}

// SurveyFromUnstructured converts a dynamic object into a Survey.
func SurveyFromUnstructured(u *unstructured.Unstructured) (*surveyv1.Survey, error) {
	survey := &surveyv1.Survey{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.UnstructuredContent(), survey); err != nil {
		return nil, fmt.Errorf("unable to decode survey %s: %w", u.GetName(), err)
	}
	return survey, nil
}

// ParticipationFromUnstructured converts a dynamic object into a Participation.
func ParticipationFromUnstructured(u *unstructured.Unstructured) (*surveyv1.Participation, error) {
	participation := &surveyv1.Participation{}
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(u.UnstructuredContent(), participation); err != nil {
		return nil, fmt.Errorf("unable to decode participation %s: %w", u.GetName(), err)
	}
	return participation, nil
}

// ToUnstructured converts a typed object into its dynamic form, filling in
// the group version kind.
func ToUnstructured(obj runtime.Object) (*unstructured.Unstructured, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, err
	}
	u := &unstructured.Unstructured{Object: content}
	switch obj.(type) {
	case *surveyv1.Survey:
		u.SetGroupVersionKind(surveyv1.SurveyKind)
	case *surveyv1.Participation:
		u.SetGroupVersionKind(surveyv1.ParticipationKind)
	}
	return u, nil
}
