package operator

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsfake "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset/fake"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	clienttesting "k8s.io/client-go/testing"
	"sigs.k8s.io/yaml"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
)

func TestWriteCRDs(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, WriteCRDs(&out))

	docs := strings.Split(strings.TrimPrefix(out.String(), "---\n"), "---\n")
	require.Len(t, docs, 2)

	var names []string
	for _, doc := range docs {
		crd := &apiextensionsv1.CustomResourceDefinition{}
		require.NoError(t, yaml.UnmarshalStrict([]byte(doc), crd))
		assert.Equal(t, surveyv1.GroupName, crd.Spec.Group)
		names = append(names, crd.Name)
	}
	assert.Equal(t, []string{"surveys." + surveyv1.GroupName, "participations." + surveyv1.GroupName}, names)
}

func TestInstallCRDsCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	stale := surveyv1.CustomResourceDefinitions()[0]
	stale.Spec.Versions[0].Served = false
	client := apiextensionsfake.NewSimpleClientset(stale)

	require.NoError(t, InstallCRDs(ctx, client))
	assert.Equal(t, []string{"get", "update", "get", "create"}, verbs(client.Actions()))

	for _, expected := range surveyv1.CustomResourceDefinitions() {
		crd, err := client.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, expected.Name, metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, expected.Spec, crd.Spec)
	}

	client.ClearActions()
	require.NoError(t, InstallCRDs(ctx, client))
	assert.Equal(t, []string{"get", "update", "get", "update"}, verbs(client.Actions()))
}

func verbs(actions []clienttesting.Action) []string {
	var verbs []string
	for _, action := range actions {
		verbs = append(verbs, action.GetVerb())
	}
	return verbs
}

func TestWaitForCRDs(t *testing.T) {
	ctx := context.Background()
	var objects []*apiextensionsv1.CustomResourceDefinition
	for _, crd := range surveyv1.CustomResourceDefinitions() {
		crd.Status.Conditions = []apiextensionsv1.CustomResourceDefinitionCondition{
			{Type: apiextensionsv1.Established, Status: apiextensionsv1.ConditionTrue},
		}
		objects = append(objects, crd)
	}

	client := apiextensionsfake.NewSimpleClientset(objects[0], objects[1])
	assert.NoError(t, WaitForCRDs(ctx, client, time.Millisecond, time.Second))

	objects[1].Status.Conditions = nil
	client = apiextensionsfake.NewSimpleClientset(objects[0], objects[1])
	assert.Error(t, WaitForCRDs(ctx, client, time.Millisecond, 20*time.Millisecond))
}
