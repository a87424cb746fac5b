package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
	surveyclient "github.com/ros-survey/survey-operator/pkg/client"
	"github.com/ros-survey/survey-operator/pkg/controller/jobwait"
	"github.com/ros-survey/survey-operator/pkg/controller/provision"
	"github.com/ros-survey/survey-operator/pkg/metrics"
	"github.com/ros-survey/survey-operator/pkg/survey/controller/strategy"
)

// Event reasons recorded on Surveys.
const (
	BuildStartedReason   = "BuildStarted"
	BuildSucceededReason = "BuildSucceeded"
	BuildFailedReason    = "BuildFailed"
)

// DefaultSecretNamespace holds the git access token Secrets referenced by Surveys.
const DefaultSecretNamespace = "default"

// BuildStrategy turns a Survey into the Job building its images.
type BuildStrategy interface {
	CreateBuildJob(survey *surveyv1.Survey, token string, now time.Time) (*batchv1.Job, error)
}

// JobWaiter blocks until a Job finishes.
type JobWaiter interface {
	Wait(ctx context.Context, namespace, name string) (jobwait.Result, error)
}

// SurveyController builds the container images of a Survey every time the
// backend bumps its build version, and tracks the outcome in the Survey
// status.
type SurveyController struct {
	kubeClient   kubernetes.Interface
	surveyClient surveyclient.Interface
	provisioner  *provision.Provisioner
	strategy     BuildStrategy
	waiter       JobWaiter
	recorder     record.EventRecorder
	clock        clock.Clock

	// secretNamespace is where Surveys' git access token Secrets live.
	secretNamespace string

	lister  cache.GenericLister
	synced  cache.InformerSynced
	queue   workqueue.RateLimitingInterface
	builds  *buildRegistry
	handler func(ctx context.Context, key string) error
}

// NewSurveyController returns a controller fed by the given Survey informer.
func NewSurveyController(
	kubeClient kubernetes.Interface,
	surveyClient surveyclient.Interface,
	informer informers.GenericInformer,
	buildStrategy BuildStrategy,
	waiter JobWaiter,
	recorder record.EventRecorder,
	secretNamespace string,
) *SurveyController {
	if len(secretNamespace) == 0 {
		secretNamespace = DefaultSecretNamespace
	}
	c := &SurveyController{
		kubeClient:      kubeClient,
		surveyClient:    surveyClient,
		provisioner:     provision.New(kubeClient),
		strategy:        buildStrategy,
		waiter:          waiter,
		recorder:        recorder,
		clock:           clock.RealClock{},
		secretNamespace: secretNamespace,
		lister:          informer.Lister(),
		synced:          informer.Informer().HasSynced,
		queue:           workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "survey"),
		builds:          newBuildRegistry(),
	}
	c.handler = c.syncSurvey

	informer.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: c.enqueue,
		UpdateFunc: func(old, cur interface{}) {
			if old.(metav1.Object).GetResourceVersion() == cur.(metav1.Object).GetResourceVersion() {
				return
			}
			c.enqueue(cur)
		},
		DeleteFunc: func(obj interface{}) {
			key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
			if err != nil {
				utilruntime.HandleError(err)
				return
			}
			// Abort any wait in progress before the sync removes the Jobs.
			c.builds.cancel(key)
			c.queue.Add(key)
		},
	})
	return c
}

// Run starts workers until ctx is done.
func (c *SurveyController) Run(ctx context.Context, workers int) {
	defer utilruntime.HandleCrash()
	defer c.queue.ShutDown()

	klog.Infof("Starting survey controller")
	defer klog.Infof("Shutting down survey controller")

	if !cache.WaitForCacheSync(ctx.Done(), c.synced) {
		return
	}

	for i := 0; i < workers; i++ {
		go wait.UntilWithContext(ctx, c.runWorker, time.Second)
	}
	<-ctx.Done()
}

func (c *SurveyController) runWorker(ctx context.Context) {
	for c.processNextWorkItem(ctx) {
	}
}

// processNextWorkItem reads from the queue and calls the sync handler.
// It returns false only when the queue is closed.
func (c *SurveyController) processNextWorkItem(ctx context.Context) bool {
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

	utilruntime.HandleError(fmt.Errorf("survey %v failed with: %w", key, err))
	c.queue.AddRateLimited(key)
	return true
}

func (c *SurveyController) enqueue(obj interface{}) {
	key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
	if err != nil {
		utilruntime.HandleError(fmt.Errorf("couldn't get key for object %#v: %w", obj, err))
		return
	}
	c.queue.Add(key)
}

// syncSurvey drives one Survey through its build state machine.
func (c *SurveyController) syncSurvey(ctx context.Context, key string) error {
	startTime := time.Now()
	klog.V(4).Infof("Started syncing survey %q", key)
	defer func() {
		klog.V(4).Infof("Finished syncing survey %q (%v)", key, time.Since(startTime))
	}()

	_, name, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		return err
	}

	obj, err := c.lister.Get(key)
	if apierrors.IsNotFound(err) {
		klog.V(2).Infof("Survey %s has been deleted, removing running builds", name)
		c.builds.cancel(key)
		return c.deleteRunningBuilds(ctx, name)
	}
	if err != nil {
		return err
	}
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return fmt.Errorf("unexpected object %T for survey %s", obj, key)
	}
	survey, err := surveyclient.SurveyFromUnstructured(u)
	if err != nil {
		return err
	}
	if survey.DeletionTimestamp != nil {
		c.builds.cancel(key)
		return nil
	}

	if err := c.provisioner.EnsureNamespace(ctx, survey.Name, map[string]string{strategy.SurveyLabel: survey.Name}); err != nil {
		return fmt.Errorf("unable to ensure namespace for survey %s: %w", survey.Name, err)
	}

	switch {
	case survey.IsStarted():
		if survey.Status.State == surveyv1.SurveyStateStarted {
			return nil
		}
		status := survey.Status.DeepCopy()
		status.State = surveyv1.SurveyStateStarted
		klog.V(2).Infof("Survey %s started, builds are disabled", survey.Name)
		_, err := c.surveyClient.Surveys().PatchStatus(ctx, survey.Name, status)
		return err

	case survey.NeedsBuild():
		status := survey.Status.DeepCopy()
		status.State = surveyv1.SurveyStateBuilding
		status.ObservedVersion = survey.Spec.BuildVersion
		updated, err := c.surveyClient.Surveys().PatchStatus(ctx, survey.Name, status)
		if err != nil {
			return err
		}
		klog.V(2).Infof("Survey %s building version %d", survey.Name, survey.Spec.BuildVersion)
		return c.build(ctx, key, updated)

	case survey.Status.State == surveyv1.SurveyStateBuilding && survey.Status.ObservedVersion == survey.Spec.BuildVersion:
		klog.V(2).Infof("Survey %s resuming build of version %d", survey.Name, survey.Spec.BuildVersion)
		return c.build(ctx, key, survey)
	}
	return nil
}

// build submits the build Job of the current version, unless one already
// exists, and records its outcome. The wait is cancelled when the Survey is
// deleted.
func (c *SurveyController) build(ctx context.Context, key string, survey *surveyv1.Survey) error {
	ctx, done := c.builds.start(ctx, key)
	defer done()

	job, err := c.findBuildJob(ctx, survey)
	if err != nil {
		return err
	}
	if job == nil {
		job, err = c.submitBuild(ctx, survey)
		if err != nil {
			var invalid *invalidBuildError
			if errors.As(err, &invalid) {
				c.recorder.Eventf(survey, corev1.EventTypeWarning, BuildFailedReason, "Invalid build configuration: %v", invalid.err)
				return c.finishBuild(ctx, survey, surveyv1.SurveyStateFailed)
			}
			return err
		}
	}

	start := time.Now()
	result, err := c.waiter.Wait(ctx, job.Namespace, job.Name)
	metrics.ObserveJobWait("build", start)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		klog.V(2).Infof("Stopped waiting for build %s/%s of survey %s", job.Namespace, job.Name, survey.Name)
		metrics.Builds.WithLabelValues(metrics.ResultAborted).Inc()
		return nil
	case errors.Is(err, jobwait.ErrJobGone):
		c.recorder.Eventf(survey, corev1.EventTypeWarning, BuildFailedReason, "Build job %s was removed before it finished", job.Name)
		return c.finishBuild(ctx, survey, surveyv1.SurveyStateFailed)
	case err != nil:
		metrics.Builds.WithLabelValues(metrics.ResultError).Inc()
		return err
	}

	if result == jobwait.Succeeded {
		c.recorder.Eventf(survey, corev1.EventTypeNormal, BuildSucceededReason, "Build job %s succeeded", job.Name)
		return c.finishBuild(ctx, survey, surveyv1.SurveyStateReady)
	}
	c.recorder.Eventf(survey, corev1.EventTypeWarning, BuildFailedReason, "Build job %s failed", job.Name)
	return c.finishBuild(ctx, survey, surveyv1.SurveyStateFailed)
}

type invalidBuildError struct {
	err error
}

func (e *invalidBuildError) Error() string { return e.err.Error() }
func (e *invalidBuildError) Unwrap() error { return e.err }

func (c *SurveyController) submitBuild(ctx context.Context, survey *surveyv1.Survey) (*batchv1.Job, error) {
	token, err := c.readToken(ctx, survey)
	if err != nil {
		return nil, err
	}
	job, err := c.strategy.CreateBuildJob(survey, token, c.clock.Now())
	if err != nil {
		return nil, &invalidBuildError{err: err}
	}
	created, err := c.provisioner.EnsureJob(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("unable to submit build job for survey %s: %w", survey.Name, err)
	}
	klog.V(2).Infof("Submitted build job %s/%s with %d steps", created.Namespace, created.Name, len(job.Spec.Template.Spec.Containers))
	c.recorder.Eventf(survey, corev1.EventTypeNormal, BuildStartedReason, "Started build job %s for version %d", created.Name, survey.Spec.BuildVersion)
	return created, nil
}

// readToken returns the git access token referenced by the Survey, or an
// empty string when none is referenced or the Secret holds a blank token.
func (c *SurveyController) readToken(ctx context.Context, survey *surveyv1.Survey) (string, error) {
	ref := survey.Spec.GitRepo.AuthSecretRef
	if len(ref) == 0 {
		return "", nil
	}
	secret, err := c.kubeClient.CoreV1().Secrets(c.secretNamespace).Get(ctx, ref, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", &invalidBuildError{err: fmt.Errorf("git secret %s/%s not found", c.secretNamespace, ref)}
	}
	if err != nil {
		return "", fmt.Errorf("unable to read git secret %s/%s: %w", c.secretNamespace, ref, err)
	}
	return strings.TrimSpace(string(secret.Data["token"])), nil
}

// findBuildJob returns the newest Job building the current version of the
// Survey, or nil.
func (c *SurveyController) findBuildJob(ctx context.Context, survey *surveyv1.Survey) (*batchv1.Job, error) {
	selector := labels.SelectorFromSet(strategy.Labels(survey.Name, survey.Spec.BuildVersion))
	jobs, err := c.kubeClient.BatchV1().Jobs(survey.Name).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("unable to list build jobs of survey %s: %w", survey.Name, err)
	}
	if len(jobs.Items) == 0 {
		return nil, nil
	}
	items := jobs.Items
	sort.Slice(items, func(i, j int) bool {
		ti, tj := items[i].CreationTimestamp, items[j].CreationTimestamp
		if !ti.Equal(&tj) {
			return tj.Before(&ti)
		}
		return items[i].Name > items[j].Name
	})
	return &items[0], nil
}

func (c *SurveyController) finishBuild(ctx context.Context, survey *surveyv1.Survey, state surveyv1.SurveyState) error {
	status := survey.Status.DeepCopy()
	status.State = state
	result := metrics.ResultFailed
	if state == surveyv1.SurveyStateReady {
		now := metav1.NewTime(c.clock.Now())
		status.LastSuccessfulBuild = &now
		result = metrics.ResultSucceeded
	}
	if _, err := c.surveyClient.Surveys().PatchStatus(ctx, survey.Name, status); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	metrics.Builds.WithLabelValues(result).Inc()
	klog.V(2).Infof("Survey %s version %d is %s", survey.Name, status.ObservedVersion, state)
	return nil
}

// deleteRunningBuilds removes the unfinished build Jobs of a deleted Survey.
func (c *SurveyController) deleteRunningBuilds(ctx context.Context, surveyName string) error {
	selector := labels.SelectorFromSet(labels.Set{strategy.SurveyLabel: surveyName})
	jobs, err := c.kubeClient.BatchV1().Jobs(surveyName).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	var errs []error
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if _, done := jobwait.Outcome(job); done {
			continue
		}
		klog.V(2).Infof("Deleting build job %s/%s of deleted survey %s", job.Namespace, job.Name, surveyName)
		if err := c.provisioner.DeleteJob(ctx, job.Namespace, job.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// buildRegistry tracks the cancel functions of in-flight builds by key.
type buildRegistry struct {
	lock    sync.Mutex
	cancels map[string]context.CancelFunc
}

func newBuildRegistry() *buildRegistry {
	return &buildRegistry{cancels: map[string]context.CancelFunc{}}
}

// start derives a cancellable context for the build of key. The returned
// function must be called once the build returns.
func (r *buildRegistry) start(ctx context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	r.lock.Lock()
	r.cancels[key] = cancel
	r.lock.Unlock()
	return ctx, func() {
		r.lock.Lock()
		delete(r.cancels, key)
		r.lock.Unlock()
		cancel()
	}
}

func (r *buildRegistry) cancel(key string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if cancel, ok := r.cancels[key]; ok {
		klog.V(4).Infof("Cancelling build of %s", key)
		cancel()
	}
}
