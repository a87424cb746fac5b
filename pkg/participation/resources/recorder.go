package resources

import (
	"errors"
	"fmt"
	"path"

	corev1 "k8s.io/api/core/v1"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
)

// RecorderContainerName names the recorder in every participation deployment.
const RecorderContainerName = "rosbag-recorder"

// ErrUnsupportedROSVersion is returned for Surveys selecting an unknown
// recording toolchain.
var ErrUnsupportedROSVersion = errors.New("unsupported ROS version")

// RecorderConfig describes the recorder container of a ROS distribution.
type RecorderConfig struct {
	Image string
	// Command records the configured topics into RosbagFile.
	Command []string
	// StopCommand flushes the recording before the pod stops. ROS 2 has none.
	StopCommand []string
}

// Recorder resolves the recorder of a ROS version. An empty topic list
// records every topic.
func Recorder(version surveyv1.ROSVersion, topics []string) (*RecorderConfig, error) {
	target := path.Join(DataMountPath, RosbagFile)
	selection := topics
	if len(selection) == 0 {
		selection = []string{"-a"}
	}

	switch version {
	case surveyv1.ROSVersion1:
		args := append([]string{"rosbag", "record", "-O", target}, selection...)
		args = append(args, "__name:=rosbag_recorder")
		return &RecorderConfig{
			Image:       "ros:noetic",
			Command:     sourced("noetic", args),
			StopCommand: []string{"bash", "-c", "source /opt/ros/noetic/setup.bash && rosnode kill /rosbag_recorder"},
		}, nil
	case surveyv1.ROSVersion2:
		// ros2 bag writes a directory, not a single compressed file.
		args := append([]string{"ros2", "bag", "record", "-o", target}, selection...)
		return &RecorderConfig{
			Image:   "ros:humble",
			Command: sourced("humble", args),
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedROSVersion, version)
}

// sourced runs args after sourcing the distribution environment. The topics
// are passed as positional parameters and never become shell text.
func sourced(distro string, args []string) []string {
	script := fmt.Sprintf(`source /opt/ros/%s/setup.bash && exec "$@"`, distro)
	return append([]string{"bash", "-c", script, "--"}, args...)
}

// Container returns the recorder container writing to the participation volume.
func (r *RecorderConfig) Container() corev1.Container {
	c := corev1.Container{
		Name:    RecorderContainerName,
		Image:   r.Image,
		Command: r.Command,
		VolumeMounts: []corev1.VolumeMount{
			{Name: dataVolumeName, MountPath: DataMountPath},
		},
	}
	if len(r.StopCommand) > 0 {
		c.Lifecycle = &corev1.Lifecycle{
			PreStop: &corev1.LifecycleHandler{
				Exec: &corev1.ExecAction{Command: r.StopCommand},
			},
		}
	}
	return c
}
