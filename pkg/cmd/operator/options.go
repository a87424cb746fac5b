package operator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/api/resource"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"

	"github.com/ros-survey/survey-operator/pkg/controller"
	"github.com/ros-survey/survey-operator/pkg/controller/jobwait"
	"github.com/ros-survey/survey-operator/pkg/image/imageref"
	participationcontroller "github.com/ros-survey/survey-operator/pkg/participation/controller"
	"github.com/ros-survey/survey-operator/pkg/participation/resources"
	surveycontroller "github.com/ros-survey/survey-operator/pkg/survey/controller"
	"github.com/ros-survey/survey-operator/pkg/survey/controller/strategy"
)

// envKeys maps configuration keys to the environment variables of the
// operator deployment.
var envKeys = map[string]string{
	"domain":                "DOMAIN",
	"ssl-enabled":           "SSL_ENABLED",
	"ssl-issuer":            "SSL_ISSUER",
	"storage-access-key":    "MINIO_USER",
	"storage-secret-key":    "MINIO_PASSWORD",
	"storage-endpoint":      "MINIO_ENDPOINT",
	"max-participation-age": "MAX_CONTAINER_AGE",
}

// Options holds the configuration of `survey-operator run`.
type Options struct {
	Kubeconfig string
	ConfigFile string

	Workers            int
	Controllers        []string
	MetricsBindAddress string
	InstallCRDs        bool

	LeaderElect          bool
	LeaderElectNamespace string
	LeaderElectID        string

	Domain     string
	SSLEnabled bool
	SSLIssuer  string

	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	UploadImage      string

	Registry        string
	KanikoImage     string
	BuildTimeout    time.Duration
	SecretNamespace string

	VolumeSize   string
	StorageClass string

	JobPollInterval     time.Duration
	MaxParticipationAge time.Duration
	ReapInterval        time.Duration

	volumeSize resource.Quantity
}

// NewOptions returns Options with defaults filled in.
func NewOptions() *Options {
	return &Options{
		Workers:              5,
		Controllers:          []string{"*"},
		MetricsBindAddress:   ":8080",
		LeaderElectNamespace: "default",
		LeaderElectID:        "survey-operator",
		StorageEndpoint:      resources.DefaultStorageEndpoint,
		StorageBucket:        resources.DefaultBucket,
		UploadImage:          resources.DefaultUploadImage,
		Registry:             imageref.DefaultRegistry,
		KanikoImage:          strategy.DefaultKanikoImage,
		SecretNamespace:      surveycontroller.DefaultSecretNamespace,
		VolumeSize:           resources.DefaultVolumeSize.String(),
		JobPollInterval:      jobwait.DefaultInterval,
		ReapInterval:         5 * time.Minute,
	}
}

// AddFlags registers the flags of the run command.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Kubeconfig, "kubeconfig", o.Kubeconfig, "Path to a kubeconfig. Only required when running outside the cluster.")
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "Optional YAML file with values for any of the flags.")

	fs.IntVar(&o.Workers, "workers", o.Workers, "Number of objects of each kind reconciled concurrently.")
	fs.StringSliceVar(&o.Controllers, "controllers", o.Controllers, fmt.Sprintf("Controllers to start. '*' starts all, 'foo' starts foo, '-foo' disables foo. Known: %s.", strings.Join(controller.KnownControllers(), ", ")))
	fs.StringVar(&o.MetricsBindAddress, "metrics-bind-address", o.MetricsBindAddress, "Address serving /metrics and /healthz. Empty disables it.")
	fs.BoolVar(&o.InstallCRDs, "install-crds", o.InstallCRDs, "Create or update the Survey and Participation definitions at startup.")

	fs.BoolVar(&o.LeaderElect, "leader-elect", o.LeaderElect, "Elect a leader before starting the controllers.")
	fs.StringVar(&o.LeaderElectNamespace, "leader-elect-namespace", o.LeaderElectNamespace, "Namespace of the leader election lease.")
	fs.StringVar(&o.LeaderElectID, "leader-elect-id", o.LeaderElectID, "Name of the leader election lease.")

	fs.StringVar(&o.Domain, "domain", o.Domain, "Domain suffix of participation endpoints. (DOMAIN)")
	fs.BoolVar(&o.SSLEnabled, "ssl-enabled", o.SSLEnabled, "Serve participation endpoints over TLS with an HTTPS redirect. (SSL_ENABLED)")
	fs.StringVar(&o.SSLIssuer, "ssl-issuer", o.SSLIssuer, "cert-manager cluster issuer of endpoint certificates. (SSL_ISSUER)")

	fs.StringVar(&o.StorageEndpoint, "storage-endpoint", o.StorageEndpoint, "Object storage endpoint receiving recordings. (MINIO_ENDPOINT)")
	fs.StringVar(&o.StorageAccessKey, "storage-access-key", o.StorageAccessKey, "Object storage access key. (MINIO_USER)")
	fs.StringVar(&o.StorageSecretKey, "storage-secret-key", o.StorageSecretKey, "Object storage secret key. (MINIO_PASSWORD)")
	fs.StringVar(&o.StorageBucket, "storage-bucket", o.StorageBucket, "Bucket receiving recordings.")
	fs.StringVar(&o.UploadImage, "upload-image", o.UploadImage, "Image of the recording upload job.")

	fs.StringVar(&o.Registry, "registry", o.Registry, "Registry receiving built images.")
	fs.StringVar(&o.KanikoImage, "kaniko-image", o.KanikoImage, "Image of the build job steps.")
	fs.DurationVar(&o.BuildTimeout, "build-timeout", o.BuildTimeout, "Maximum runtime of a build job. Zero means unlimited.")
	fs.StringVar(&o.SecretNamespace, "secret-namespace", o.SecretNamespace, "Namespace of the git token secrets referenced by surveys.")

	fs.StringVar(&o.VolumeSize, "volume-size", o.VolumeSize, "Size of participation volumes.")
	fs.StringVar(&o.StorageClass, "storage-class", o.StorageClass, "Storage class of participation volumes. Empty uses the cluster default.")

	fs.DurationVar(&o.JobPollInterval, "job-poll-interval", o.JobPollInterval, "Time between two status reads of an awaited job.")
	fs.DurationVar(&o.MaxParticipationAge, "max-participation-age", o.MaxParticipationAge, "Delete participations older than this. Zero disables the reaper. (MAX_CONTAINER_AGE, seconds)")
	fs.DurationVar(&o.ReapInterval, "reap-interval", o.ReapInterval, "Time between two reaper runs.")
}

// newViper binds fs and the deployment environment into a viper instance.
// Precedence is flag, environment, config file, default.
func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	for key, env := range envKeys {
		if fs.Lookup(key) == nil {
			continue
		}
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Complete reads the merged configuration from flags, environment and the
// optional config file.
func (o *Options) Complete(fs *pflag.FlagSet) error {
	v, err := newViper(fs)
	if err != nil {
		return err
	}
	if path := v.GetString("config"); len(path) > 0 {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file %s: %w", path, err)
		}
		klog.V(2).Infof("Using config file %s", v.ConfigFileUsed())
	}

	o.Kubeconfig = v.GetString("kubeconfig")
	o.Workers = v.GetInt("workers")
	o.Controllers = v.GetStringSlice("controllers")
	o.MetricsBindAddress = v.GetString("metrics-bind-address")
	o.InstallCRDs = v.GetBool("install-crds")
	o.LeaderElect = v.GetBool("leader-elect")
	o.LeaderElectNamespace = v.GetString("leader-elect-namespace")
	o.LeaderElectID = v.GetString("leader-elect-id")
	o.Domain = v.GetString("domain")
	o.SSLEnabled = v.GetBool("ssl-enabled")
	o.SSLIssuer = v.GetString("ssl-issuer")
	o.StorageEndpoint = v.GetString("storage-endpoint")
	o.StorageAccessKey = v.GetString("storage-access-key")
	o.StorageSecretKey = v.GetString("storage-secret-key")
	o.StorageBucket = v.GetString("storage-bucket")
	o.UploadImage = v.GetString("upload-image")
	o.Registry = v.GetString("registry")
	o.KanikoImage = v.GetString("kaniko-image")
	o.SecretNamespace = v.GetString("secret-namespace")
	o.VolumeSize = v.GetString("volume-size")
	o.StorageClass = v.GetString("storage-class")

	var errs []error
	for key, target := range map[string]*time.Duration{
		"build-timeout":         &o.BuildTimeout,
		"job-poll-interval":     &o.JobPollInterval,
		"max-participation-age": &o.MaxParticipationAge,
		"reap-interval":         &o.ReapInterval,
	} {
		d, err := parseAge(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			continue
		}
		*target = d
	}

	if len(o.VolumeSize) > 0 {
		q, err := resource.ParseQuantity(o.VolumeSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid volume-size %q: %w", o.VolumeSize, err))
		}
		o.volumeSize = q
	}
	return utilerrors.NewAggregate(errs)
}

// parseAge accepts Go durations and plain integers, read as seconds.
func parseAge(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if len(value) == 0 {
		return 0, nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(value)
}

// Validate rejects configurations the operator cannot run with.
func (o *Options) Validate() error {
	var errs []error
	if len(o.Domain) == 0 {
		errs = append(errs, errors.New("--domain (DOMAIN) is required"))
	}
	if o.Workers < 1 {
		errs = append(errs, fmt.Errorf("--workers must be at least 1, got %d", o.Workers))
	}
	for name, d := range map[string]time.Duration{
		"--build-timeout":         o.BuildTimeout,
		"--max-participation-age": o.MaxParticipationAge,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", name, d))
		}
	}
	if o.JobPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("--job-poll-interval must be positive, got %v", o.JobPollInterval))
	}
	if o.MaxParticipationAge > 0 && o.ReapInterval <= 0 {
		errs = append(errs, fmt.Errorf("--reap-interval must be positive, got %v", o.ReapInterval))
	}
	if o.LeaderElect && (len(o.LeaderElectNamespace) == 0 || len(o.LeaderElectID) == 0) {
		errs = append(errs, errors.New("--leader-elect requires --leader-elect-namespace and --leader-elect-id"))
	}
	known := map[string]bool{"*": true}
	for _, name := range controller.KnownControllers() {
		known[name] = true
	}
	for _, name := range o.Controllers {
		if !known[strings.TrimPrefix(name, "-")] {
			errs = append(errs, fmt.Errorf("unknown controller %q", name))
		}
	}
	return utilerrors.NewAggregate(errs)
}

// ControllerOptions converts the options into controller settings.
func (o *Options) ControllerOptions() controller.ControllerOptions {
	return controller.ControllerOptions{
		Controllers:     o.Controllers,
		Workers:         o.Workers,
		JobPollInterval: o.JobPollInterval,
		SecretNamespace: o.SecretNamespace,
		Build: strategy.KanikoBuildStrategy{
			Image:          o.KanikoImage,
			Registry:       o.Registry,
			ActiveDeadline: o.BuildTimeout,
		},
		Participation: participationcontroller.Config{
			Ingress: resources.IngressConfig{
				Domain:     o.Domain,
				SSLEnabled: o.SSLEnabled,
				SSLIssuer:  o.SSLIssuer,
			},
			Storage: resources.StorageConfig{
				Image:     o.UploadImage,
				Endpoint:  o.StorageEndpoint,
				AccessKey: o.StorageAccessKey,
				SecretKey: o.StorageSecretKey,
				Bucket:    o.StorageBucket,
			},
			Registry:     o.Registry,
			VolumeSize:   o.volumeSize,
			StorageClass: o.StorageClass,
		},
		MaxParticipationAge: o.MaxParticipationAge,
		ReapInterval:        o.ReapInterval,
	}
}

// restConfig prefers the in-cluster configuration and falls back to the
// kubeconfig.
func restConfig(kubeconfig string) (*rest.Config, error) {
	if len(kubeconfig) == 0 {
		if config, err := rest.InClusterConfig(); err == nil {
			return config, nil
		}
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = kubeconfig
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("unable to load cluster configuration: %w", err)
	}
	return config, nil
}
