package strategy

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
	"github.com/ros-survey/survey-operator/pkg/image/imageref"
)

const (
	// DefaultKanikoImage is the executor image running every build step.
	DefaultKanikoImage = "gcr.io/kaniko-project/executor:latest"

	// SurveyLabel marks build Jobs with the name of their Survey.
	SurveyLabel = "example.com/survey"
	// BuildVersionLabel marks build Jobs with the build version they build.
	BuildVersionLabel = "example.com/build-version"

	buildJobTTL = int32(300)
)

// ErrNoContainers is returned for Surveys that declare nothing to build.
var ErrNoContainers = errors.New("survey declares no containers to build")

// KanikoBuildStrategy creates the Job building every container of a Survey
// with the kaniko executor.
type KanikoBuildStrategy struct {
	// Image is the kaniko executor image.
	Image string
	// Registry receives the built images.
	Registry string
	// ActiveDeadline bounds the runtime of the Job when positive.
	ActiveDeadline time.Duration
}

// CreateBuildJob returns a Job with one kaniko container per Survey
// container. token is embedded into the git context URL and nowhere else.
func (bs *KanikoBuildStrategy) CreateBuildJob(survey *surveyv1.Survey, token string, now time.Time) (*batchv1.Job, error) {
	if len(survey.Spec.Containers) == 0 {
		return nil, ErrNoContainers
	}

	gitContext, err := GitContext(survey.Spec.GitRepo, token)
	if err != nil {
		return nil, err
	}

	image := bs.Image
	if len(image) == 0 {
		image = DefaultKanikoImage
	}

	var containers []corev1.Container
	for _, c := range survey.Spec.Containers {
		destination, err := imageref.ForContainer(bs.Registry, survey.Name, c.Name)
		if err != nil {
			return nil, err
		}
		containers = append(containers, corev1.Container{
			Name:  "kaniko-" + strings.ToLower(c.Name),
			Image: image,
			Args: []string{
				"--context=" + gitContext,
				"--destination=" + destination,
				"--dockerfile=" + c.DockerfilePath,
				"--insecure",
				"--skip-tls-verify",
			},
			ImagePullPolicy: corev1.PullIfNotPresent,
		})
	}

	labels := Labels(survey.Name, survey.Spec.BuildVersion)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      BuildJobName(survey.Name, now),
			Namespace: survey.Name,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](0),
			TTLSecondsAfterFinished: ptr.To(buildJobTTL),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers:    containers,
					RestartPolicy: corev1.RestartPolicyNever,
				},
			},
		},
	}
	if bs.ActiveDeadline > 0 {
		job.Spec.ActiveDeadlineSeconds = ptr.To(int64(bs.ActiveDeadline / time.Second))
	}
	return job, nil
}

// BuildJobName returns the name of the build Job submitted at now.
func BuildJobName(surveyName string, now time.Time) string {
	return fmt.Sprintf("build-%s-%d", surveyName, now.Unix())
}

// Labels returns the labels identifying the build Jobs of a Survey version.
func Labels(surveyName string, buildVersion int64) map[string]string {
	return map[string]string{
		SurveyLabel:       surveyName,
		BuildVersionLabel: strconv.FormatInt(buildVersion, 10),
	}
}

// GitContext converts a repository URL into a kaniko git build context,
// git://[oauth2:token@]host/path[#refs/heads/branch].
func GitContext(repo surveyv1.GitRepo, token string) (string, error) {
	raw := strings.TrimSpace(repo.URL)
	if len(raw) == 0 {
		return "", errors.New("git repository url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid git repository url: %w", err)
	}
	if len(u.Host) == 0 {
		return "", fmt.Errorf("git repository url %q has no host", repo.URL)
	}

	u.Scheme = "git"
	u.User = nil
	if len(token) > 0 {
		u.User = url.UserPassword("oauth2", token)
	}
	u.RawQuery = ""
	u.Fragment = ""
	if len(repo.Branch) > 0 {
		u.Fragment = "refs/heads/" + repo.Branch
	}
	return u.String(), nil
}
