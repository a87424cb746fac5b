package resources

import (
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
	"github.com/ros-survey/survey-operator/pkg/image/imageref"
)

// DefaultVolumeSize is the requested size of a participation volume.
var DefaultVolumeSize = resource.MustParse("5Gi")

var defaultResources = corev1.ResourceRequirements{
	Requests: corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse("1.5"),
		corev1.ResourceMemory: resource.MustParse("1536Mi"),
	},
	Limits: corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse("2"),
		corev1.ResourceMemory: resource.MustParse("2048Mi"),
	},
}

// VolumeClaim returns the claim holding the recording of a participation.
func VolumeClaim(participation *surveyv1.Participation, size resource.Quantity, storageClass string) *corev1.PersistentVolumeClaim {
	if size.IsZero() {
		size = DefaultVolumeSize
	}
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      VolumeClaimName(participation.Name),
			Namespace: UserNamespace(participation.Spec.UserID),
			Labels:    labelsFor(participation.Name),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
	if len(storageClass) > 0 {
		pvc.Spec.StorageClassName = ptr.To(storageClass)
	}
	return pvc
}

// Deployment returns the workload of a participation: one container per
// Survey container running the built image, plus the recorder.
func Deployment(participation *surveyv1.Participation, survey *surveyv1.Survey, recorder *RecorderConfig, registry string) (*appsv1.Deployment, error) {
	labels := labelsFor(participation.Name)

	var containers []corev1.Container
	for _, sc := range survey.Spec.Containers {
		image, err := imageref.ForContainer(registry, survey.Name, sc.Name)
		if err != nil {
			return nil, err
		}
		c := corev1.Container{
			Name:      strings.ToLower(sc.Name),
			Image:     image,
			Resources: *defaultResources.DeepCopy(),
			Env: []corev1.EnvVar{
				{Name: "USER_ID", Value: participation.Spec.UserID},
			},
		}
		for _, port := range sc.Ports {
			c.Ports = append(c.Ports, corev1.ContainerPort{ContainerPort: port.ContainerPort, Protocol: corev1.ProtocolTCP})
		}
		containers = append(containers, c)
	}
	containers = append(containers, recorder.Container())

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      participation.Name,
			Namespace: UserNamespace(participation.Spec.UserID),
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{AppLabel: participation.Name}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: containers,
					Volumes: []corev1.Volume{
						{
							Name: dataVolumeName,
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
									ClaimName: VolumeClaimName(participation.Name),
								},
							},
						},
					},
				},
			},
		},
	}, nil
}
