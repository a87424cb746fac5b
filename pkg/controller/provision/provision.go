// Package provision creates and removes the cluster resources owned by the
// controllers. Creation is idempotent: an object that already exists counts as
// created. Deletion of an object that is already gone counts as deleted.
package provision

import (
	"context"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// Provisioner wraps a kubernetes client with ensure/delete operations.
type Provisioner struct {
	Client kubernetes.Interface
}

func New(client kubernetes.Interface) *Provisioner {
	return &Provisioner{Client: client}
}

// EnsureNamespace makes sure the named namespace exists.
func (p *Provisioner) EnsureNamespace(ctx context.Context, name string, labels map[string]string) error {
	_, err := p.Client.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}
	klog.V(2).Infof("Creating namespace %s", name)
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name, Labels: labels}}
	_, err = p.Client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

// EnsurePersistentVolumeClaim creates the claim unless it exists. An existing
// claim is reused, which keeps recorded data across retried creations.
func (p *Provisioner) EnsurePersistentVolumeClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	_, err := p.Client.CoreV1().PersistentVolumeClaims(pvc.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		klog.Warningf("Volume %s already exists in namespace %s, reusing", pvc.Name, pvc.Namespace)
		return nil
	}
	return err
}

func (p *Provisioner) EnsureDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	_, err := p.Client.AppsV1().Deployments(deployment.Namespace).Create(ctx, deployment, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

func (p *Provisioner) EnsureService(ctx context.Context, service *corev1.Service) error {
	_, err := p.Client.CoreV1().Services(service.Namespace).Create(ctx, service, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

func (p *Provisioner) EnsureIngress(ctx context.Context, ingress *networkingv1.Ingress) error {
	_, err := p.Client.NetworkingV1().Ingresses(ingress.Namespace).Create(ctx, ingress, metav1.CreateOptions{})
	return ignoreAlreadyExists(err)
}

// ApplySecret creates the Secret or replaces the data of an existing one.
func (p *Provisioner) ApplySecret(ctx context.Context, secret *corev1.Secret) error {
	secrets := p.Client.CoreV1().Secrets(secret.Namespace)
	_, err := secrets.Create(ctx, secret, metav1.CreateOptions{})
	if !apierrors.IsAlreadyExists(err) {
		return err
	}
	existing, err := secrets.Get(ctx, secret.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	updated := existing.DeepCopy()
	updated.Type = secret.Type
	updated.Data = secret.Data
	updated.StringData = secret.StringData
	_, err = secrets.Update(ctx, updated, metav1.UpdateOptions{})
	return err
}

// EnsureJob submits the Job. When a Job with the same name already exists it
// is returned instead, so a resubmission after a crash attaches to the
// earlier run.
func (p *Provisioner) EnsureJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	created, err := p.Client.BatchV1().Jobs(job.Namespace).Create(ctx, job, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return p.Client.BatchV1().Jobs(job.Namespace).Get(ctx, job.Name, metav1.GetOptions{})
	}
	return created, err
}

func (p *Provisioner) DeleteDeployment(ctx context.Context, namespace, name string) error {
	return ignoreNotFound(p.Client.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{}))
}

func (p *Provisioner) DeletePersistentVolumeClaim(ctx context.Context, namespace, name string) error {
	return ignoreNotFound(p.Client.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, name, metav1.DeleteOptions{}))
}

func (p *Provisioner) DeleteNamespace(ctx context.Context, name string) error {
	return ignoreNotFound(p.Client.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{}))
}

// DeleteJob removes a Job together with its pods.
func (p *Provisioner) DeleteJob(ctx context.Context, namespace, name string) error {
	background := metav1.DeletePropagationBackground
	return ignoreNotFound(p.Client.BatchV1().Jobs(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &background}))
}

// DeleteServicesAndIngresses deletes every Service and Ingress in namespace
// whose name contains substr.
func (p *Provisioner) DeleteServicesAndIngresses(ctx context.Context, namespace, substr string) error {
	var errs []error

	services, err := p.Client.CoreV1().Services(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, service := range services.Items {
			if !strings.Contains(service.Name, substr) {
				continue
			}
			klog.V(4).Infof("Deleting service %s/%s", namespace, service.Name)
			if err := p.Client.CoreV1().Services(namespace).Delete(ctx, service.Name, metav1.DeleteOptions{}); ignoreNotFound(err) != nil {
				errs = append(errs, err)
			}
		}
	}

	ingresses, err := p.Client.NetworkingV1().Ingresses(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, ingress := range ingresses.Items {
			if !strings.Contains(ingress.Name, substr) {
				continue
			}
			klog.V(4).Infof("Deleting ingress %s/%s", namespace, ingress.Name)
			if err := p.Client.NetworkingV1().Ingresses(namespace).Delete(ctx, ingress.Name, metav1.DeleteOptions{}); ignoreNotFound(err) != nil {
				errs = append(errs, err)
			}
		}
	}

	return utilerrors.NewAggregate(errs)
}

func ignoreAlreadyExists(err error) error {
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
