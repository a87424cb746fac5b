package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
	surveyclient "github.com/ros-survey/survey-operator/pkg/client"
	"github.com/ros-survey/survey-operator/pkg/controller/jobwait"
	"github.com/ros-survey/survey-operator/pkg/controller/provision"
	"github.com/ros-survey/survey-operator/pkg/metrics"
	"github.com/ros-survey/survey-operator/pkg/participation/resources"
)

const (
	// CleanupFinalizer holds a Participation until its recording is exported
	// and its environment removed.
	CleanupFinalizer = "example.com/participation-cleanup"
	// RetryTeardownAnnotation set to "true" retries a failed teardown.
	RetryTeardownAnnotation = "example.com/retry-teardown"
)

// Event reasons recorded on Participations.
const (
	ProvisionedReason     = "Provisioned"
	ProvisionFailedReason = "ProvisionFailed"
	ExportSucceededReason = "ExportSucceeded"
	ExportFailedReason    = "ExportFailed"
	CleanupAbortedReason  = "CleanupAborted"
	TornDownReason        = "TornDown"
)

var (
	// ErrSurveyNotFound is returned when a Participation references a Survey
	// that does not exist.
	ErrSurveyNotFound = errors.New("referenced survey not found")
	// ErrMissingStatus is returned when a deleted Participation carries no
	// recording status, so its data cannot be located.
	ErrMissingStatus = errors.New("participation has no recording status")
	// ErrJobFailed is returned when the upload Job of a teardown fails.
	ErrJobFailed = errors.New("upload job failed")
)

// JobWaiter blocks until a Job finishes.
type JobWaiter interface {
	Wait(ctx context.Context, namespace, name string) (jobwait.Result, error)
}

// Config holds the environment settings of provisioned participations.
type Config struct {
	Ingress      resources.IngressConfig
	Storage      resources.StorageConfig
	Registry     string
	VolumeSize   resource.Quantity
	StorageClass string
}

// ParticipationController provisions the environment of every Participation
// and, once the Participation is deleted, exports its recording and removes
// the environment.
type ParticipationController struct {
	kubeClient   kubernetes.Interface
	surveyClient surveyclient.Interface
	provisioner  *provision.Provisioner
	waiter       JobWaiter
	recorder     record.EventRecorder
	config       Config

	lister  cache.GenericLister
	synced  cache.InformerSynced
	queue   workqueue.RateLimitingInterface
	handler func(ctx context.Context, key string) error
}

// NewParticipationController returns a controller fed by the given
// Participation informer.
func NewParticipationController(
	kubeClient kubernetes.Interface,
	surveyClient surveyclient.Interface,
	informer informers.GenericInformer,
	waiter JobWaiter,
	recorder record.EventRecorder,
	config Config,
) *ParticipationController {
	c := &ParticipationController{
		kubeClient:   kubeClient,
		surveyClient: surveyClient,
		provisioner:  provision.New(kubeClient),
		waiter:       waiter,
		recorder:     recorder,
		config:       config,
		lister:       informer.Lister(),
		synced:       informer.Informer().HasSynced,
		queue:        workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "participation"),
	}
	c.handler = c.syncParticipation

	informer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: c.enqueue,
		UpdateFunc: func(old, cur interface{}) {
			if old.(metav1.Object).GetResourceVersion() == cur.(metav1.Object).GetResourceVersion() {
				return
			}
			c.enqueue(cur)
		},
		DeleteFunc: c.enqueue,
	})
	return c
}

// Run starts workers until ctx is done.
func (c *ParticipationController) Run(ctx context.Context, workers int) {
	defer utilruntime.HandleCrash()
	defer c.queue.ShutDown()

	klog.Infof("Starting participation controller")
	defer klog.Infof("Shutting down participation controller")

	if !cache.WaitForCacheSync(ctx.Done(), c.synced) {
		return
	}

	for i := 0; i < workers; i++ {
		go wait.UntilWithContext(ctx, c.runWorker, time.Second)
	}
	<-ctx.Done()
}

func (c *ParticipationController) runWorker(ctx context.Context) {
	for c.processNextWorkItem(ctx) {
	}
}

func (c *ParticipationController) processNextWorkItem(ctx context.Context) bool {
	key, quit := c.queue.Get()
	if quit {
		return false
	}
	defer c.queue.Done(key)

	err := c.handler(ctx, key.(string))
	if err == nil {
		c.queue.Forget(key)
		return true
	}

	utilruntime.HandleError(fmt.Errorf("participation %v failed with: %w", key, err))
	c.queue.AddRateLimited(key)
	return true
}

func (c *ParticipationController) enqueue(obj interface{}) {
	key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
	if err != nil {
		utilruntime.HandleError(fmt.Errorf("couldn't get key for object %#v: %w", obj, err))
		return
	}
	c.queue.Add(key)
}

func (c *ParticipationController) syncParticipation(ctx context.Context, key string) error {
	startTime := time.Now()
	klog.V(4).Infof("Started syncing participation %q", key)
	defer func() {
		klog.V(4).Infof("Finished syncing participation %q (%v)", key, time.Since(startTime))
	}()

	obj, err := c.lister.Get(key)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return fmt.Errorf("unexpected object %T for participation %s", obj, key)
	}
	participation, err := surveyclient.ParticipationFromUnstructured(u)
	if err != nil {
		return err
	}

	if participation.DeletionTimestamp != nil {
		if !hasFinalizer(participation) {
			return nil
		}
		if teardownFailed(participation) && participation.Annotations[RetryTeardownAnnotation] != "true" {
			klog.V(4).Infof("Participation %s teardown failed earlier, waiting for %s", participation.Name, RetryTeardownAnnotation)
			return nil
		}
		if participation.Annotations[RetryTeardownAnnotation] == "true" {
			if err := c.prepareRetry(ctx, participation); err != nil {
				return err
			}
		}
		err := c.Teardown(ctx, participation)
		if errors.Is(err, ErrMissingStatus) || errors.Is(err, ErrJobFailed) {
			// Left for inspection; the retry annotation triggers a new attempt.
			return nil
		}
		return err
	}

	if !hasFinalizer(participation) {
		participation, err = c.surveyClient.Participations().SetFinalizers(ctx, participation.Name, append(participation.Finalizers, CleanupFinalizer))
		if err != nil {
			return fmt.Errorf("unable to add finalizer to participation %s: %w", key, err)
		}
	}

	if participation.Status != nil && participation.Status.Phase == surveyv1.ParticipationPhaseRunning {
		return nil
	}
	_, err = c.Provision(ctx, participation)
	if errors.Is(err, resources.ErrUnsupportedROSVersion) {
		return nil
	}
	return err
}

// Provision creates the environment of a Participation and marks it
// Running. It returns the reachable hostnames of the environment, one per
// exposed container port. Every step tolerates objects left by an earlier
// attempt.
func (c *ParticipationController) Provision(ctx context.Context, participation *surveyv1.Participation) ([]string, error) {
	surveyName := surveyv1.SurveyNameForReference(participation.Spec.SurveyName)
	survey, err := c.surveyClient.Surveys().Get(ctx, surveyName)
	if apierrors.IsNotFound(err) {
		err = fmt.Errorf("%w: %s", ErrSurveyNotFound, surveyName)
		c.recorder.Eventf(participation, corev1.EventTypeWarning, ProvisionFailedReason, "Survey %s not found", surveyName)
		metrics.Provisions.WithLabelValues(metrics.ResultError).Inc()
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("unable to get survey %s: %w", surveyName, err)
	}

	recorder, err := resources.Recorder(survey.Spec.ROSVersion, survey.Spec.RosbagTopics)
	if err != nil {
		c.recorder.Eventf(participation, corev1.EventTypeWarning, ProvisionFailedReason, "Survey %s: %v", survey.Name, err)
		metrics.Provisions.WithLabelValues(metrics.ResultFailed).Inc()
		return nil, err
	}
	deployment, err := resources.Deployment(participation, survey, recorder, c.config.Registry)
	if err != nil {
		c.recorder.Eventf(participation, corev1.EventTypeWarning, ProvisionFailedReason, "Invalid image for survey %s: %v", survey.Name, err)
		metrics.Provisions.WithLabelValues(metrics.ResultFailed).Inc()
		return nil, err
	}

	namespace := resources.UserNamespace(participation.Spec.UserID)
	klog.V(2).Infof("Provisioning participation %s in namespace %s", participation.Name, namespace)

	if err := c.provisioner.EnsureNamespace(ctx, namespace, nil); err != nil {
		return nil, c.provisionError(participation, "namespace", err)
	}
	pvc := resources.VolumeClaim(participation, c.config.VolumeSize, c.config.StorageClass)
	if err := c.provisioner.EnsurePersistentVolumeClaim(ctx, pvc); err != nil {
		return nil, c.provisionError(participation, "volume claim", err)
	}
	if err := c.provisioner.EnsureDeployment(ctx, deployment); err != nil {
		return nil, c.provisionError(participation, "deployment", err)
	}

	exposures := resources.Exposures(survey)
	for _, service := range resources.Services(participation, exposures) {
		if err := c.provisioner.EnsureService(ctx, service); err != nil {
			return nil, c.provisionError(participation, "service", err)
		}
	}
	for _, exposure := range exposures {
		if err := c.provisioner.EnsureIngress(ctx, resources.Ingress(participation, exposure, c.config.Ingress)); err != nil {
			return nil, c.provisionError(participation, "ingress", err)
		}
	}

	endpoints := resources.Endpoints(participation.Spec.UserID, exposures, c.config.Ingress.Domain)
	status := &surveyv1.ParticipationStatus{
		Phase:      surveyv1.ParticipationPhaseRunning,
		RosbagFile: resources.RosbagFile,
		Endpoints:  endpoints,
	}
	if _, err := c.surveyClient.Participations().PatchStatus(ctx, participation.Name, status); err != nil {
		return nil, fmt.Errorf("unable to update status of participation %s: %w", participation.Name, err)
	}

	metrics.Provisions.WithLabelValues(metrics.ResultSucceeded).Inc()
	c.recorder.Eventf(participation, corev1.EventTypeNormal, ProvisionedReason, "Provisioned %d endpoints in namespace %s", len(endpoints), namespace)
	klog.V(2).Infof("Participation %s is running with endpoints %v", participation.Name, endpoints)
	return endpoints, nil
}

func (c *ParticipationController) provisionError(participation *surveyv1.Participation, what string, err error) error {
	metrics.Provisions.WithLabelValues(metrics.ResultError).Inc()
	return fmt.Errorf("unable to create %s for participation %s: %w", what, participation.Name, err)
}

// Teardown stops the workload of a deleted Participation, exports its
// recording and then removes the environment. When the recording cannot be
// exported every remaining resource is kept and the finalizer stays.
func (c *ParticipationController) Teardown(ctx context.Context, participation *surveyv1.Participation) error {
	if participation.Status == nil || len(participation.Status.RosbagFile) == 0 {
		klog.Warningf("Participation %s has no recording status, cleanup aborted", participation.Name)
		return c.abortTeardown(ctx, participation, CleanupAbortedReason, ErrMissingStatus)
	}

	namespace := resources.UserNamespace(participation.Spec.UserID)
	rosbagFile := participation.Status.RosbagFile

	gone, err := c.namespaceRemoved(ctx, namespace)
	if err != nil {
		return err
	}
	if gone {
		// Namespace deletion is the last teardown step, only a finalizer
		// update can be left.
		klog.V(2).Infof("Namespace %s of participation %s is already removed", namespace, participation.Name)
		return c.finishTeardown(ctx, participation, namespace)
	}

	status := participation.Status.DeepCopy()
	status.Phase = surveyv1.ParticipationPhaseTerminating
	status.Message = ""
	if _, err := c.surveyClient.Participations().PatchStatus(ctx, participation.Name, status); err != nil {
		return fmt.Errorf("unable to update status of participation %s: %w", participation.Name, err)
	}

	klog.V(2).Infof("Stopping participation %s before export", participation.Name)
	if err := c.provisioner.DeleteDeployment(ctx, namespace, participation.Name); err != nil {
		return fmt.Errorf("unable to delete deployment of participation %s: %w", participation.Name, err)
	}

	if err := c.provisioner.ApplySecret(ctx, resources.StorageSecret(participation, c.config.Storage)); err != nil {
		return fmt.Errorf("unable to store upload credentials for participation %s: %w", participation.Name, err)
	}
	job, err := c.provisioner.EnsureJob(ctx, resources.UploadJob(participation, rosbagFile, c.config.Storage))
	if err != nil {
		return fmt.Errorf("unable to submit upload job for participation %s: %w", participation.Name, err)
	}

	start := time.Now()
	result, err := c.waiter.Wait(ctx, job.Namespace, job.Name)
	metrics.ObserveJobWait("upload", start)
	switch {
	case errors.Is(err, jobwait.ErrJobGone):
		result = jobwait.Failed
	case err != nil:
		return err
	}
	if result != jobwait.Succeeded {
		metrics.Exports.WithLabelValues(metrics.ResultFailed).Inc()
		klog.Errorf("Upload job %s/%s failed, keeping resources of participation %s", job.Namespace, job.Name, participation.Name)
		return c.abortTeardown(ctx, participation, ExportFailedReason, fmt.Errorf("%w: %s/%s", ErrJobFailed, job.Namespace, job.Name))
	}
	metrics.Exports.WithLabelValues(metrics.ResultSucceeded).Inc()
	c.recorder.Eventf(participation, corev1.EventTypeNormal, ExportSucceededReason, "Exported %s to %s", rosbagFile,
		resources.UploadTarget(c.config.Storage.Bucket, participation.Spec.SurveyName, namespace, rosbagFile))

	if err := c.provisioner.DeleteServicesAndIngresses(ctx, namespace, participation.Name); err != nil {
		return fmt.Errorf("unable to delete services of participation %s: %w", participation.Name, err)
	}
	if err := c.provisioner.DeletePersistentVolumeClaim(ctx, namespace, resources.VolumeClaimName(participation.Name)); err != nil {
		return fmt.Errorf("unable to delete volume of participation %s: %w", participation.Name, err)
	}
	if err := c.provisioner.DeleteNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("unable to delete namespace %s: %w", namespace, err)
	}
	return c.finishTeardown(ctx, participation, namespace)
}

// namespaceRemoved reports whether namespace is gone or being deleted.
func (c *ParticipationController) namespaceRemoved(ctx context.Context, namespace string) (bool, error) {
	ns, err := c.kubeClient.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("unable to get namespace %s: %w", namespace, err)
	}
	return ns.DeletionTimestamp != nil || ns.Status.Phase == corev1.NamespaceTerminating, nil
}

// finishTeardown releases the Participation once its environment is removed.
func (c *ParticipationController) finishTeardown(ctx context.Context, participation *surveyv1.Participation, namespace string) error {
	if _, err := c.surveyClient.Participations().SetFinalizers(ctx, participation.Name, withoutFinalizer(participation.Finalizers)); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("unable to remove finalizer of participation %s: %w", participation.Name, err)
	}
	c.recorder.Eventf(participation, corev1.EventTypeNormal, TornDownReason, "Removed environment in namespace %s", namespace)
	klog.V(2).Infof("Participation %s torn down", participation.Name)
	return nil
}

// abortTeardown records why the teardown stopped and returns cause.
func (c *ParticipationController) abortTeardown(ctx context.Context, participation *surveyv1.Participation, reason string, cause error) error {
	status := &surveyv1.ParticipationStatus{}
	if participation.Status != nil {
		status = participation.Status.DeepCopy()
	}
	status.Phase = surveyv1.ParticipationPhaseTerminating
	status.Message = cause.Error()

	c.recorder.Eventf(participation, corev1.EventTypeWarning, reason, "Teardown stopped, resources kept: %v", cause)
	if _, err := c.surveyClient.Participations().PatchStatus(ctx, participation.Name, status); err != nil {
		return fmt.Errorf("unable to record teardown failure of participation %s: %w", participation.Name, err)
	}
	return cause
}

// prepareRetry removes the upload Job of the failed attempt and then the
// retry annotation. It returns an error until the old Job is gone.
func (c *ParticipationController) prepareRetry(ctx context.Context, participation *surveyv1.Participation) error {
	namespace := resources.UserNamespace(participation.Spec.UserID)
	name := resources.UploadJobName(participation.Name)
	_, err := c.kubeClient.BatchV1().Jobs(namespace).Get(ctx, name, metav1.GetOptions{})
	switch {
	case err == nil:
		if err := c.provisioner.DeleteJob(ctx, namespace, name); err != nil {
			return err
		}
		return fmt.Errorf("waiting for upload job %s/%s of the failed teardown to be removed", namespace, name)
	case !apierrors.IsNotFound(err):
		return err
	}

	klog.V(2).Infof("Retrying teardown of participation %s", participation.Name)
	if _, err := c.surveyClient.Participations().RemoveAnnotation(ctx, participation.Name, RetryTeardownAnnotation); err != nil {
		return fmt.Errorf("unable to clear retry annotation of participation %s: %w", participation.Name, err)
	}
	return nil
}

func teardownFailed(participation *surveyv1.Participation) bool {
	return participation.Status != nil &&
		participation.Status.Phase == surveyv1.ParticipationPhaseTerminating &&
		len(participation.Status.Message) > 0
}

func hasFinalizer(participation *surveyv1.Participation) bool {
	for _, f := range participation.Finalizers {
		if f == CleanupFinalizer {
			return true
		}
	}
	return false
}

func withoutFinalizer(finalizers []string) []string {
	var kept []string
	for _, f := range finalizers {
		if f == CleanupFinalizer {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}
