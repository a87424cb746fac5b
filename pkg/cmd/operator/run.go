package operator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/apimachinery/pkg/util/uuid"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/klog/v2"

	"github.com/ros-survey/survey-operator/pkg/controller"
	"github.com/ros-survey/survey-operator/pkg/metrics"
)

const (
	// controllerStartJitter spreads the start of the controllers.
	controllerStartJitter = time.Second

	leaseDuration = 15 * time.Second
	renewDeadline = 10 * time.Second
	retryPeriod   = 2 * time.Second
)

// NewRunCommand starts the operator controllers.
func NewRunCommand() *cobra.Command {
	options := NewOptions()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the survey and participation controllers",
		Long: `Start the survey and participation controllers.

Every flag may also be set in the file given by --config. The deployment
environment variables DOMAIN, SSL_ENABLED, SSL_ISSUER, MINIO_USER,
MINIO_PASSWORD, MINIO_ENDPOINT and MAX_CONTAINER_AGE are honored as well.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := options.Complete(cmd.Flags()); err != nil {
				return err
			}
			if err := options.Validate(); err != nil {
				return err
			}
			return options.Run(cmd.Context())
		},
	}
	options.AddFlags(cmd.Flags())
	return cmd
}

// Run connects to the cluster and runs the controllers until ctx is done.
func (o *Options) Run(ctx context.Context) error {
	config, err := restConfig(o.Kubeconfig)
	if err != nil {
		return err
	}
	config.UserAgent = rest.DefaultKubernetesUserAgent() + "/survey-operator"

	kubeClient, err := kubernetes.NewForConfig(config)
	if err != nil {
		return err
	}
	dynamicClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return err
	}

	if o.InstallCRDs {
		crdClient, err := apiextensionsclient.NewForConfig(config)
		if err != nil {
			return err
		}
		if err := InstallCRDs(ctx, crdClient); err != nil {
			return err
		}
		if err := WaitForCRDs(ctx, crdClient, time.Second, time.Minute); err != nil {
			return err
		}
	}

	if len(o.MetricsBindAddress) > 0 {
		go metrics.Listen(ctx, o.MetricsBindAddress)
	}

	start := func(ctx context.Context) {
		c := controller.NewControllerContext(kubeClient, dynamicClient, o.ControllerOptions())
		started, err := controller.StartControllers(ctx, c, controllerStartJitter)
		if err != nil {
			klog.Fatalf("Error starting controllers: %v", err)
		}
		klog.Infof("Started controllers %v", started)
		<-ctx.Done()
	}

	if !o.LeaderElect {
		start(ctx)
		return nil
	}
	return o.runLeaderElection(ctx, kubeClient, start)
}

func (o *Options) runLeaderElection(ctx context.Context, kubeClient kubernetes.Interface, start func(context.Context)) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("unable to get hostname: %w", err)
	}
	identity := hostname + "_" + string(uuid.NewUUID())

	lock, err := resourcelock.New(
		resourcelock.LeasesResourceLock,
		o.LeaderElectNamespace,
		o.LeaderElectID,
		kubeClient.CoreV1(),
		kubeClient.CoordinationV1(),
		resourcelock.ResourceLockConfig{Identity: identity},
	)
	if err != nil {
		return fmt.Errorf("unable to create leader election lock: %w", err)
	}

	leaderelection.RunOrDie(ctx, leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   leaseDuration,
		RenewDeadline:   renewDeadline,
		RetryPeriod:     retryPeriod,
		ReleaseOnCancel: true,
		Name:            o.LeaderElectID,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: start,
			OnStoppedLeading: func() {
				if ctx.Err() == nil {
					klog.Fatalf("Leader election lost")
				}
				klog.Info("Released leader election lease")
			},
			OnNewLeader: func(leader string) {
				if leader != identity {
					klog.Infof("Current leader is %s", leader)
				}
			},
		},
	})
	return nil
}
