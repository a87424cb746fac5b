package v1

import (
	"strings"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"
)

// CustomResourceDefinitions returns the definitions of the Survey and
// Participation resources, in installation order.
func CustomResourceDefinitions() []*apiextensionsv1.CustomResourceDefinition {
	return []*apiextensionsv1.CustomResourceDefinition{
		newCRD("Survey", "surveys", surveySchema(), []apiextensionsv1.CustomResourceColumnDefinition{
			{Name: "State", Type: "string", JSONPath: ".status.state"},
			{Name: "Build", Type: "integer", JSONPath: ".spec.buildVersion"},
			{Name: "Observed", Type: "integer", JSONPath: ".status.observedVersion"},
			{Name: "Age", Type: "date", JSONPath: ".metadata.creationTimestamp"},
		}),
		newCRD("Participation", "participations", participationSchema(), []apiextensionsv1.CustomResourceColumnDefinition{
			{Name: "Survey", Type: "string", JSONPath: ".spec.surveyName"},
			{Name: "User", Type: "string", JSONPath: ".spec.userId"},
			{Name: "Phase", Type: "string", JSONPath: ".status.phase"},
			{Name: "Age", Type: "date", JSONPath: ".metadata.creationTimestamp"},
		}),
	}
}

func newCRD(kind, plural string, schema *apiextensionsv1.JSONSchemaProps, columns []apiextensionsv1.CustomResourceColumnDefinition) *apiextensionsv1.CustomResourceDefinition {
	return &apiextensionsv1.CustomResourceDefinition{
		TypeMeta: metav1.TypeMeta{
			APIVersion: apiextensionsv1.SchemeGroupVersion.String(),
			Kind:       "CustomResourceDefinition",
		},
		ObjectMeta: metav1.ObjectMeta{Name: plural + "." + GroupName},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: GroupName,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Kind:     kind,
				ListKind: kind + "List",
				Plural:   plural,
				Singular: strings.ToLower(kind),
			},
			Scope: apiextensionsv1.ClusterScoped,
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{{
				Name:    Version,
				Served:  true,
				Storage: true,
				Schema:  &apiextensionsv1.CustomResourceValidation{OpenAPIV3Schema: schema},
				Subresources: &apiextensionsv1.CustomResourceSubresources{
					Status: &apiextensionsv1.CustomResourceSubresourceStatus{},
				},
				AdditionalPrinterColumns: columns,
			}},
		},
	}
}

func surveySchema() *apiextensionsv1.JSONSchemaProps {
	port := apiextensionsv1.JSONSchemaProps{
		Type:     "object",
		Required: []string{"containerPort"},
		Properties: map[string]apiextensionsv1.JSONSchemaProps{
			"containerPort": {Type: "integer", Format: "int32"},
			"servicePort":   {Type: "integer", Format: "int32", Nullable: true},
		},
	}
	container := apiextensionsv1.JSONSchemaProps{
		Type:     "object",
		Required: []string{"name", "dockerfile"},
		Properties: map[string]apiextensionsv1.JSONSchemaProps{
			"name":       {Type: "string"},
			"dockerfile": {Type: "string"},
			"ports":      {Type: "array", Items: &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &port}},
		},
	}
	return &apiextensionsv1.JSONSchemaProps{
		Type: "object",
		Properties: map[string]apiextensionsv1.JSONSchemaProps{
			"spec": {
				Type:     "object",
				Required: []string{"buildVersion", "gitRepo"},
				Properties: map[string]apiextensionsv1.JSONSchemaProps{
					"buildVersion": {Type: "integer", Format: "int64", Minimum: ptr.To[float64](0)},
					"started":      {Type: "boolean"},
					"gitRepo": {
						Type:     "object",
						Required: []string{"url"},
						Properties: map[string]apiextensionsv1.JSONSchemaProps{
							"url":        {Type: "string"},
							"branch":     {Type: "string", Nullable: true},
							"authSecret": {Type: "string", Nullable: true},
						},
					},
					"containers":   {Type: "array", Items: &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &container}},
					"rosVersion":   {Type: "string"},
					"rosbagTopics": {Type: "array", Items: &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &apiextensionsv1.JSONSchemaProps{Type: "string"}}},
				},
			},
			"status": {
				Type: "object",
				Properties: map[string]apiextensionsv1.JSONSchemaProps{
					"state":               {Type: "string"},
					"observedVersion":     {Type: "integer", Format: "int64"},
					"lastSuccessfulBuild": {Type: "string", Format: "date-time"},
				},
			},
		},
	}
}

func participationSchema() *apiextensionsv1.JSONSchemaProps {
	return &apiextensionsv1.JSONSchemaProps{
		Type: "object",
		Properties: map[string]apiextensionsv1.JSONSchemaProps{
			"spec": {
				Type:     "object",
				Required: []string{"surveyName", "userId"},
				Properties: map[string]apiextensionsv1.JSONSchemaProps{
					"surveyName": {Type: "string"},
					"userId":     {Type: "string"},
				},
			},
			"status": {
				Type: "object",
				Properties: map[string]apiextensionsv1.JSONSchemaProps{
					"phase":      {Type: "string"},
					"rosbagFile": {Type: "string"},
					"endpoints":  {Type: "array", Items: &apiextensionsv1.JSONSchemaPropsOrArray{Schema: &apiextensionsv1.JSONSchemaProps{Type: "string"}}},
					"message":    {Type: "string"},
				},
			},
		},
	}
}
