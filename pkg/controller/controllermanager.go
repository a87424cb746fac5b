package controller

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/dynamic/dynamicinformer"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
	surveyclient "github.com/ros-survey/survey-operator/pkg/client"
	"github.com/ros-survey/survey-operator/pkg/controller/jobwait"
	participationcontroller "github.com/ros-survey/survey-operator/pkg/participation/controller"
	"github.com/ros-survey/survey-operator/pkg/participation/reaper"
	surveycontroller "github.com/ros-survey/survey-operator/pkg/survey/controller"
	"github.com/ros-survey/survey-operator/pkg/survey/controller/strategy"
)

const (
	SurveyBuildControllerName           = "survey-build-controller"
	ParticipationLifecycleControllerName = "participation-lifecycle-controller"
	ParticipationReaperName              = "participation-reaper"

	// defaultResync is the resync period of the custom resource informers.
	defaultResync = 10 * time.Minute
)

// ControllerOptions carries the settings of every controller.
type ControllerOptions struct {
	// Controllers lists the controllers to start. "*" enables all of them,
	// "-name" disables one.
	Controllers []string
	Workers     int

	// JobPollInterval is the time between two reads of an awaited Job.
	JobPollInterval time.Duration
	// SecretNamespace holds the git token Secrets referenced by Surveys.
	SecretNamespace string
	Build           strategy.KanikoBuildStrategy
	Participation   participationcontroller.Config

	// MaxParticipationAge enables the reaper when positive.
	MaxParticipationAge time.Duration
	ReapInterval        time.Duration
}

// ControllerContext holds the clients and informers shared by the controllers.
type ControllerContext struct {
	KubeClient   kubernetes.Interface
	SurveyClient surveyclient.Interface
	Informers    dynamicinformer.DynamicSharedInformerFactory
	Recorder     record.EventRecorder
	Options      ControllerOptions
}

// NewControllerContext builds the shared informers and an event recorder
// writing to the cluster.
func NewControllerContext(kubeClient kubernetes.Interface, dynamicClient dynamic.Interface, options ControllerOptions) *ControllerContext {
	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(surveyv1.AddToScheme(scheme))

	broadcaster := record.NewBroadcaster()
	broadcaster.StartStructuredLogging(4)
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: kubeClient.CoreV1().Events("")})

	return &ControllerContext{
		KubeClient:   kubeClient,
		SurveyClient: surveyclient.NewForDynamic(dynamicClient),
		Informers:    dynamicinformer.NewDynamicSharedInformerFactory(dynamicClient, defaultResync),
		Recorder:     broadcaster.NewRecorder(scheme, corev1.EventSource{Component: "survey-operator"}),
		Options:      options,
	}
}

// IsControllerEnabled reports whether the named controller should start.
func (c *ControllerContext) IsControllerEnabled(name string) bool {
	if len(c.Options.Controllers) == 0 {
		return true
	}
	enabled := sets.New[string](c.Options.Controllers...)
	if enabled.Has("-" + name) {
		return false
	}
	return enabled.Has(name) || enabled.Has("*")
}

func (c *ControllerContext) waiter() *jobwait.Waiter {
	w := jobwait.New(c.KubeClient.BatchV1())
	if c.Options.JobPollInterval > 0 {
		w.Interval = c.Options.JobPollInterval
	}
	return w
}

// InitFunc launches a controller. It must not block. The bool reports
// whether the controller was started.
type InitFunc func(ctx context.Context, c *ControllerContext) (bool, error)

// controllers maps controller names to their init funcs.
var controllers = map[string]InitFunc{
	SurveyBuildControllerName:            startSurveyBuildController,
	ParticipationLifecycleControllerName: startParticipationLifecycleController,
	ParticipationReaperName:              startParticipationReaper,
}

// KnownControllers returns the names accepted by ControllerOptions.Controllers.
func KnownControllers() []string {
	names := make([]string, 0, len(controllers))
	for name := range controllers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func startSurveyBuildController(ctx context.Context, c *ControllerContext) (bool, error) {
	build := c.Options.Build
	go surveycontroller.NewSurveyController(
		c.KubeClient,
		c.SurveyClient,
		c.Informers.ForResource(surveyv1.SurveysResource),
		&build,
		c.waiter(),
		c.Recorder,
		c.Options.SecretNamespace,
	).Run(ctx, c.Options.Workers)
	return true, nil
}

func startParticipationLifecycleController(ctx context.Context, c *ControllerContext) (bool, error) {
	go participationcontroller.NewParticipationController(
		c.KubeClient,
		c.SurveyClient,
		c.Informers.ForResource(surveyv1.ParticipationsResource),
		c.waiter(),
		c.Recorder,
		c.Options.Participation,
	).Run(ctx, c.Options.Workers)
	return true, nil
}

func startParticipationReaper(ctx context.Context, c *ControllerContext) (bool, error) {
	if c.Options.MaxParticipationAge <= 0 {
		return false, nil
	}
	if c.Options.ReapInterval <= 0 {
		return false, fmt.Errorf("reap interval must be positive, got %v", c.Options.ReapInterval)
	}
	r := reaper.New(c.SurveyClient.Participations(), reaper.Options{MaxAge: c.Options.MaxParticipationAge})
	go r.Run(ctx, c.Options.ReapInterval)
	return true, nil
}

// StartControllers launches every enabled controller and then starts the
// shared informers. It returns the names of the started controllers.
func StartControllers(ctx context.Context, c *ControllerContext, startInterval time.Duration) ([]string, error) {
	var started []string
	for _, name := range KnownControllers() {
		if !c.IsControllerEnabled(name) {
			klog.Warningf("%q is disabled", name)
			continue
		}
		if startInterval > 0 {
			time.Sleep(wait.Jitter(startInterval, 1.0))
		}

		klog.V(1).Infof("Starting %q", name)
		ok, err := controllers[name](ctx, c)
		if err != nil {
			klog.Errorf("Error starting %q", name)
			return started, err
		}
		if !ok {
			klog.Warningf("Skipping %q", name)
			continue
		}
		klog.Infof("Started %q", name)
		started = append(started, name)
	}

	c.Informers.Start(ctx.Done())
	return started, nil
}
