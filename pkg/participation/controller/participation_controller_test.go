package controller

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/ptr"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
	surveyclient "github.com/ros-survey/survey-operator/pkg/client"
	"github.com/ros-survey/survey-operator/pkg/client/testclient"
	"github.com/ros-survey/survey-operator/pkg/controller/jobwait"
	"github.com/ros-survey/survey-operator/pkg/controller/provision"
	"github.com/ros-survey/survey-operator/pkg/participation/resources"
)

const (
	testDomain        = "example.org"
	testParticipation = "42-project-demo"
	testNamespace     = "user-42"
)

type fixture struct {
	kubeClient    *fake.Clientset
	dynamicClient *dynamicfake.FakeDynamicClient
	indexer       cache.Indexer
	recorder      *record.FakeRecorder
	controller    *ParticipationController
	uploadResult  jobwait.Result
}

func newFixture(kubeObjects []runtime.Object, objects ...runtime.Object) *fixture {
	f := &fixture{
		kubeClient: fake.NewSimpleClientset(kubeObjects...),
		indexer:    cache.NewIndexer(cache.MetaNamespaceKeyFunc, cache.Indexers{}),
		recorder:   record.NewFakeRecorder(20),
	}
	f.kubeClient.PrependReactor("create", "jobs", func(action clienttesting.Action) (bool, runtime.Object, error) {
		job := action.(clienttesting.CreateAction).GetObject().(*batchv1.Job)
		switch f.uploadResult {
		case jobwait.Succeeded:
			job.Status.Succeeded = 1
		case jobwait.Failed:
			job.Status.Failed = 1
		}
		return false, nil, nil
	})

	var dynamicObjects []runtime.Object
	for _, obj := range objects {
		u, err := surveyclient.ToUnstructured(obj)
		Expect(err).NotTo(HaveOccurred())
		dynamicObjects = append(dynamicObjects, u)
		if _, ok := obj.(*surveyv1.Participation); ok {
			Expect(f.indexer.Add(u)).To(Succeed())
		}
	}
	dynamicClient, err := testclient.NewDynamicClient(dynamicObjects...)
	Expect(err).NotTo(HaveOccurred())
	f.dynamicClient = dynamicClient

	f.controller = &ParticipationController{
		kubeClient:   f.kubeClient,
		surveyClient: surveyclient.NewForDynamic(f.dynamicClient),
		provisioner:  provision.New(f.kubeClient),
		waiter:       &jobwait.Waiter{Client: f.kubeClient.BatchV1(), Interval: time.Millisecond},
		recorder:     f.recorder,
		config: Config{
			Ingress:  resources.IngressConfig{Domain: testDomain},
			Storage:  resources.StorageConfig{AccessKey: "minio", SecretKey: "minio123"},
			Registry: "registry:5000",
		},
		lister: cache.NewGenericLister(f.indexer, surveyv1.Resource("participations")),
		queue:  workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "participation-test"),
	}
	f.controller.handler = f.controller.syncParticipation
	return f
}

// finishUploadsWith makes created upload Jobs finish with result.
func (f *fixture) finishUploadsWith(result jobwait.Result) {
	f.uploadResult = result
}

// refresh copies the current server state of the participation into the lister.
func (f *fixture) refresh() *surveyv1.Participation {
	u, err := f.dynamicClient.Resource(surveyv1.ParticipationsResource).Get(context.Background(), testParticipation, metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())
	Expect(f.indexer.Update(u)).To(Succeed())
	p, err := surveyclient.ParticipationFromUnstructured(u)
	Expect(err).NotTo(HaveOccurred())
	return p
}

func (f *fixture) sync() error {
	return f.controller.syncParticipation(context.Background(), testParticipation)
}

func (f *fixture) count(verb, resource string) int {
	n := 0
	for _, action := range f.kubeClient.Actions() {
		if action.GetVerb() == verb && action.GetResource().Resource == resource {
			n++
		}
	}
	return n
}

func (f *fixture) actionIndex(verb, resource string) int {
	for i, action := range f.kubeClient.Actions() {
		if action.GetVerb() == verb && action.GetResource().Resource == resource {
			return i
		}
	}
	return -1
}

func (f *fixture) exists(get func() error) bool {
	err := get()
	if apierrors.IsNotFound(err) {
		return false
	}
	Expect(err).NotTo(HaveOccurred())
	return true
}

func (f *fixture) events() []string {
	var events []string
	for {
		select {
		case e := <-f.recorder.Events:
			events = append(events, e)
		default:
			return events
		}
	}
}

func demoSurvey(rosVersion surveyv1.ROSVersion) *surveyv1.Survey {
	return &surveyv1.Survey{
		TypeMeta:   metav1.TypeMeta{APIVersion: surveyv1.SchemeGroupVersion.String(), Kind: "Survey"},
		ObjectMeta: metav1.ObjectMeta{Name: "project-demo"},
		Spec: surveyv1.SurveySpec{
			BuildVersion: 1,
			Containers: []surveyv1.SurveyContainer{
				{Name: "web", Ports: []surveyv1.ContainerPort{{ContainerPort: 8080, ServicePort: ptr.To[int32](80)}}},
			},
			ROSVersion: rosVersion,
		},
		Status: surveyv1.SurveyStatus{State: surveyv1.SurveyStateReady, ObservedVersion: 1},
	}
}

func newParticipation() *surveyv1.Participation {
	return &surveyv1.Participation{
		TypeMeta:   metav1.TypeMeta{APIVersion: surveyv1.SchemeGroupVersion.String(), Kind: "Participation"},
		ObjectMeta: metav1.ObjectMeta{Name: testParticipation},
		Spec:       surveyv1.ParticipationSpec{SurveyName: "demo", UserID: "42"},
	}
}

func deletedParticipation(status *surveyv1.ParticipationStatus) *surveyv1.Participation {
	p := newParticipation()
	now := metav1.Now()
	p.DeletionTimestamp = &now
	p.Finalizers = []string{CleanupFinalizer}
	p.Status = status
	return p
}

func provisionedObjects() []runtime.Object {
	return []runtime.Object{
		&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: testNamespace}},
		&appsv1.Deployment{ObjectMeta: metav1.ObjectMeta{Name: testParticipation, Namespace: testNamespace}},
		&corev1.PersistentVolumeClaim{ObjectMeta: metav1.ObjectMeta{Name: testParticipation + "-data", Namespace: testNamespace}},
		&corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "service-" + testParticipation + "-web", Namespace: testNamespace}},
		&networkingv1.Ingress{ObjectMeta: metav1.ObjectMeta{Name: "ingress-" + testParticipation + "-web-8080", Namespace: testNamespace}},
	}
}

var _ = Describe("Participation provisioning", func() {
	var f *fixture

	Context("for a survey with one exposed port", func() {
		BeforeEach(func() {
			f = newFixture(nil, demoSurvey(surveyv1.ROSVersion1), newParticipation())
		})

		It("creates one service and one ingress and returns the endpoint", func() {
			endpoints, err := f.controller.Provision(context.Background(), newParticipation())
			Expect(err).NotTo(HaveOccurred())
			Expect(endpoints).To(Equal([]string{"42web8080." + testDomain}))

			services, err := f.kubeClient.CoreV1().Services(testNamespace).List(context.Background(), metav1.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(services.Items).To(HaveLen(1))
			ingresses, err := f.kubeClient.NetworkingV1().Ingresses(testNamespace).List(context.Background(), metav1.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ingresses.Items).To(HaveLen(1))
			Expect(ingresses.Items[0].Spec.Rules[0].Host).To(Equal("42web8080." + testDomain))

			p := f.refresh()
			Expect(p.Status.Phase).To(Equal(surveyv1.ParticipationPhaseRunning))
			Expect(p.Status.RosbagFile).To(Equal(resources.RosbagFile))
			Expect(p.Status.Endpoints).To(ConsistOf("42web8080." + testDomain))
		})

		It("does not duplicate resources when run again", func() {
			_, err := f.controller.Provision(context.Background(), newParticipation())
			Expect(err).NotTo(HaveOccurred())
			_, err = f.controller.Provision(context.Background(), newParticipation())
			Expect(err).NotTo(HaveOccurred())

			services, err := f.kubeClient.CoreV1().Services(testNamespace).List(context.Background(), metav1.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(services.Items).To(HaveLen(1))
			ingresses, err := f.kubeClient.NetworkingV1().Ingresses(testNamespace).List(context.Background(), metav1.ListOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ingresses.Items).To(HaveLen(1))
		})

		It("adds the cleanup finalizer and skips running participations", func() {
			Expect(f.sync()).To(Succeed())
			p := f.refresh()
			Expect(p.Finalizers).To(ContainElement(CleanupFinalizer))
			Expect(p.Status.Phase).To(Equal(surveyv1.ParticipationPhaseRunning))

			creates := len(f.kubeClient.Actions())
			Expect(f.sync()).To(Succeed())
			Expect(f.kubeClient.Actions()).To(HaveLen(creates))
		})
	})

	It("fails when the survey does not exist", func() {
		f = newFixture(nil, newParticipation())
		_, err := f.controller.Provision(context.Background(), newParticipation())
		Expect(err).To(MatchError(ErrSurveyNotFound))
		Expect(f.count("create", "namespaces")).To(BeZero())
	})

	It("rejects an unsupported ROS version before creating anything", func() {
		f = newFixture(nil, demoSurvey("3"), newParticipation())
		_, err := f.controller.Provision(context.Background(), newParticipation())
		Expect(err).To(MatchError(resources.ErrUnsupportedROSVersion))
		Expect(f.kubeClient.Actions()).To(BeEmpty())
		Expect(f.events()).To(ConsistOf(HavePrefix(corev1.EventTypeWarning + " " + ProvisionFailedReason)))

		Expect(f.sync()).To(Succeed())
	})
})

// recordingWaiter notes which deletions happened before the wait returned.
type recordingWaiter struct {
	waiter  JobWaiter
	fixture *fixture
	seen    []string
}

func (w *recordingWaiter) Wait(ctx context.Context, namespace, name string) (jobwait.Result, error) {
	result, err := w.waiter.Wait(ctx, namespace, name)
	for _, action := range w.fixture.kubeClient.Actions() {
		if action.GetVerb() == "delete" {
			w.seen = append(w.seen, action.GetResource().Resource)
		}
	}
	return result, err
}

var _ = Describe("Participation teardown", func() {
	var f *fixture
	running := &surveyv1.ParticipationStatus{Phase: surveyv1.ParticipationPhaseRunning, RosbagFile: "simulation.bag"}

	Context("when the upload succeeds", func() {
		var waiter *recordingWaiter

		BeforeEach(func() {
			f = newFixture(provisionedObjects(), demoSurvey(surveyv1.ROSVersion1), deletedParticipation(running.DeepCopy()))
			f.finishUploadsWith(jobwait.Succeeded)
			waiter = &recordingWaiter{waiter: f.controller.waiter, fixture: f}
			f.controller.waiter = waiter
		})

		It("stops the workload, exports, then removes everything", func() {
			Expect(f.sync()).To(Succeed())

			deleteDeployment := f.actionIndex("delete", "deployments")
			createJob := f.actionIndex("create", "jobs")
			Expect(deleteDeployment).To(BeNumerically(">=", 0))
			Expect(createJob).To(BeNumerically(">", deleteDeployment))
			Expect(f.actionIndex("delete", "services")).To(BeNumerically(">", createJob))
			Expect(f.actionIndex("delete", "namespaces")).To(BeNumerically(">", f.actionIndex("delete", "persistentvolumeclaims")))

			// Only the deployment was gone while the export was awaited.
			Expect(waiter.seen).To(Equal([]string{"deployments"}))

			job, err := f.kubeClient.BatchV1().Jobs(testNamespace).Get(context.Background(), resources.UploadJobName(testParticipation), metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Spec.Template.Spec.Containers[0].Env).To(ContainElement(corev1.EnvVar{
				Name:  "TARGET",
				Value: "target/rosbags/demo/user-42/simulation.bag",
			}))

			Expect(f.exists(func() error {
				_, err := f.kubeClient.CoreV1().Namespaces().Get(context.Background(), testNamespace, metav1.GetOptions{})
				return err
			})).To(BeFalse())
			Expect(f.refresh().Finalizers).NotTo(ContainElement(CleanupFinalizer))
			Expect(f.events()).To(ContainElement(HavePrefix(corev1.EventTypeNormal + " " + TornDownReason)))
		})

		It("passes storage credentials through a secret", func() {
			Expect(f.sync()).To(Succeed())
			Expect(f.actionIndex("create", "secrets")).To(BeNumerically("<", f.actionIndex("create", "jobs")))

			ctx := context.Background()
			secret, err := f.kubeClient.CoreV1().Secrets(testNamespace).Get(ctx, resources.StorageSecretName(testParticipation), metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(secret.StringData).To(HaveKeyWithValue(resources.StorageSecretKeyKey, "minio123"))

			job, err := f.kubeClient.BatchV1().Jobs(testNamespace).Get(ctx, resources.UploadJobName(testParticipation), metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			for _, env := range job.Spec.Template.Spec.Containers[0].Env {
				Expect(env.Value).NotTo(Equal("minio123"), env.Name)
			}
		})
	})

	Context("when the namespace is already removed", func() {
		It("only releases the finalizer of a terminating namespace", func() {
			objects := provisionedObjects()
			now := metav1.Now()
			objects[0].(*corev1.Namespace).DeletionTimestamp = &now
			objects[0].(*corev1.Namespace).Status.Phase = corev1.NamespaceTerminating
			f = newFixture(objects, demoSurvey(surveyv1.ROSVersion1), deletedParticipation(running.DeepCopy()))
			f.finishUploadsWith(jobwait.Succeeded)

			Expect(f.sync()).To(Succeed())

			Expect(f.count("create", "jobs")).To(BeZero())
			Expect(f.count("delete", "deployments")).To(BeZero())
			Expect(f.refresh().Finalizers).NotTo(ContainElement(CleanupFinalizer))
			events := f.events()
			Expect(events).To(ConsistOf(HavePrefix(corev1.EventTypeNormal + " " + TornDownReason)))
		})

		It("only releases the finalizer when the namespace is gone", func() {
			f = newFixture(nil, demoSurvey(surveyv1.ROSVersion1), deletedParticipation(running.DeepCopy()))

			Expect(f.sync()).To(Succeed())

			Expect(f.count("create", "jobs")).To(BeZero())
			Expect(f.count("create", "secrets")).To(BeZero())
			Expect(f.refresh().Finalizers).NotTo(ContainElement(CleanupFinalizer))
		})
	})

	Context("when the upload fails", func() {
		BeforeEach(func() {
			f = newFixture(provisionedObjects(), demoSurvey(surveyv1.ROSVersion1), deletedParticipation(running.DeepCopy()))
			f.finishUploadsWith(jobwait.Failed)
		})

		It("keeps the namespace, volume, services and ingresses", func() {
			Expect(f.sync()).To(Succeed())

			ctx := context.Background()
			Expect(f.exists(func() error {
				_, err := f.kubeClient.CoreV1().Namespaces().Get(ctx, testNamespace, metav1.GetOptions{})
				return err
			})).To(BeTrue())
			Expect(f.exists(func() error {
				_, err := f.kubeClient.CoreV1().PersistentVolumeClaims(testNamespace).Get(ctx, testParticipation+"-data", metav1.GetOptions{})
				return err
			})).To(BeTrue())
			Expect(f.exists(func() error {
				_, err := f.kubeClient.CoreV1().Services(testNamespace).Get(ctx, "service-"+testParticipation+"-web", metav1.GetOptions{})
				return err
			})).To(BeTrue())
			Expect(f.exists(func() error {
				_, err := f.kubeClient.NetworkingV1().Ingresses(testNamespace).Get(ctx, "ingress-"+testParticipation+"-web-8080", metav1.GetOptions{})
				return err
			})).To(BeTrue())

			p := f.refresh()
			Expect(p.Finalizers).To(ContainElement(CleanupFinalizer))
			Expect(p.Status.Phase).To(Equal(surveyv1.ParticipationPhaseTerminating))
			Expect(p.Status.Message).To(ContainSubstring("upload job failed"))
			Expect(f.events()).To(ContainElement(HavePrefix(corev1.EventTypeWarning + " " + ExportFailedReason)))
		})

		It("does not retry until asked to", func() {
			Expect(f.sync()).To(Succeed())
			f.refresh()
			Expect(f.sync()).To(Succeed())
			Expect(f.count("create", "jobs")).To(Equal(1))
		})

		It("retries after the retry annotation is set", func() {
			Expect(f.sync()).To(Succeed())

			p := f.refresh()
			p.Annotations = map[string]string{RetryTeardownAnnotation: "true"}
			u, err := surveyclient.ToUnstructured(p)
			Expect(err).NotTo(HaveOccurred())
			_, err = f.dynamicClient.Resource(surveyv1.ParticipationsResource).Update(context.Background(), u, metav1.UpdateOptions{})
			Expect(err).NotTo(HaveOccurred())
			f.refresh()

			f.finishUploadsWith(jobwait.Succeeded)

			// The first attempt removes the failed upload job.
			Expect(f.sync()).NotTo(Succeed())
			Expect(f.sync()).To(Succeed())

			p = f.refresh()
			Expect(p.Annotations).NotTo(HaveKey(RetryTeardownAnnotation))
			Expect(p.Finalizers).NotTo(ContainElement(CleanupFinalizer))
			Expect(f.count("create", "jobs")).To(Equal(2))
		})
	})

	It("aborts cleanup of a participation without status", func() {
		f = newFixture(provisionedObjects(), demoSurvey(surveyv1.ROSVersion1), deletedParticipation(nil))

		Expect(f.sync()).To(Succeed())

		Expect(f.count("delete", "deployments")).To(BeZero())
		Expect(f.count("create", "jobs")).To(BeZero())
		p := f.refresh()
		Expect(p.Finalizers).To(ContainElement(CleanupFinalizer))
		Expect(p.Status.Phase).To(Equal(surveyv1.ParticipationPhaseTerminating))
		Expect(p.Status.Message).To(Equal(ErrMissingStatus.Error()))
		Expect(f.events()).To(ConsistOf(HavePrefix(corev1.EventTypeWarning + " " + CleanupAbortedReason)))
	})

	It("ignores deleted participations without the finalizer", func() {
		p := deletedParticipation(running.DeepCopy())
		p.Finalizers = nil
		f = newFixture(provisionedObjects(), p)

		Expect(f.sync()).To(Succeed())
		Expect(f.kubeClient.Actions()).To(BeEmpty())
	})
})
