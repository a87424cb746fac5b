package provision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestEnsureNamespaceIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	p := New(client)
	ctx := context.Background()

	require.NoError(t, p.EnsureNamespace(ctx, "user-42", nil))
	require.NoError(t, p.EnsureNamespace(ctx, "user-42", nil))

	creates := 0
	for _, action := range client.Actions() {
		if action.GetVerb() == "create" && action.GetResource().Resource == "namespaces" {
			creates++
		}
	}
	assert.Equal(t, 1, creates)
}

func TestEnsurePersistentVolumeClaimReusesExisting(t *testing.T) {
	existing := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "42-project-a-data", Namespace: "user-42", Labels: map[string]string{"kept": "true"}},
	}
	client := fake.NewSimpleClientset(existing)
	p := New(client)

	err := p.EnsurePersistentVolumeClaim(context.Background(), &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "42-project-a-data", Namespace: "user-42"},
	})
	require.NoError(t, err)

	pvc, err := client.CoreV1().PersistentVolumeClaims("user-42").Get(context.Background(), "42-project-a-data", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "true", pvc.Labels["kept"])
}

func TestEnsureJobReturnsExisting(t *testing.T) {
	existing := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "upload", Namespace: "user-42"},
		Status:     batchv1.JobStatus{Active: 1},
	}
	client := fake.NewSimpleClientset(existing)
	p := New(client)

	job, err := p.EnsureJob(context.Background(), &batchv1.Job{ObjectMeta: metav1.ObjectMeta{Name: "upload", Namespace: "user-42"}})
	require.NoError(t, err)
	assert.Equal(t, int32(1), job.Status.Active)
}

func TestDeleteServicesAndIngresses(t *testing.T) {
	client := fake.NewSimpleClientset(
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "service-42-project-a-web", Namespace: "user-42"}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "service-42-project-b-web", Namespace: "user-42"}},
		&networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: "ingress-42-project-a-web-8080", Namespace: "user-42"}},
		&networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: "ingress-42-project-b-web-8080", Namespace: "user-42"}},
	)
	p := New(client)
	ctx := context.Background()

	require.NoError(t, p.DeleteServicesAndIngresses(ctx, "user-42", "42-project-a"))

	services, err := client.CoreV1().Services("user-42").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, services.Items, 1)
	assert.Equal(t, "service-42-project-b-web", services.Items[0].Name)

	ingresses, err := client.NetworkingV1().Ingresses("user-42").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, ingresses.Items, 1)
	assert.Equal(t, "ingress-42-project-b-web-8080", ingresses.Items[0].Name)
}

func TestDeleteMissingObjects(t *testing.T) {
	p := New(fake.NewSimpleClientset())
	ctx := context.Background()

	assert.NoError(t, p.DeleteDeployment(ctx, "user-42", "missing"))
	assert.NoError(t, p.DeletePersistentVolumeClaim(ctx, "user-42", "missing"))
	assert.NoError(t, p.DeleteJob(ctx, "user-42", "missing"))
	assert.NoError(t, p.DeleteNamespace(ctx, "user-42"))
}

func TestApplySecretReplacesData(t *testing.T) {
	existing := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "42-project-a-storage", Namespace: "user-42"},
		StringData: map[string]string{"accessKey": "old", "secretKey": "old"},
	}
	client := fake.NewSimpleClientset(existing)
	p := New(client)
	ctx := context.Background()

	err := p.ApplySecret(ctx, &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "42-project-a-storage", Namespace: "user-42"},
		StringData: map[string]string{"accessKey": "new", "secretKey": "rotated"},
	})
	require.NoError(t, err)

	secret, err := client.CoreV1().Secrets("user-42").Get(ctx, "42-project-a-storage", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"accessKey": "new", "secretKey": "rotated"}, secret.StringData)

	require.NoError(t, p.ApplySecret(ctx, &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "42-project-b-storage", Namespace: "user-42"},
	}))
	_, err = client.CoreV1().Secrets("user-42").Get(ctx, "42-project-b-storage", metav1.GetOptions{})
	assert.NoError(t, err)
}
