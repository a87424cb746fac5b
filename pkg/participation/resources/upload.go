package resources

import (
	"path"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
)

const (
	DefaultUploadImage     = "minio/mc:latest"
	DefaultStorageEndpoint = "https://myminio-hl.minio-tenant.svc.cluster.local:9000"
	DefaultBucket          = "rosbags"

	// Keys of the storage credential Secret.
	StorageAccessKeyKey = "accessKey"
	StorageSecretKeyKey = "secretKey"

	uploadJobTTL = int32(300)
	uploadScript = `mc alias set target "$STORAGE_ENDPOINT" "$STORAGE_ACCESS_KEY" "$STORAGE_SECRET_KEY" && mc mirror "$SOURCE" "$TARGET"`
)

// StorageConfig addresses the object storage receiving recordings.
type StorageConfig struct {
	Image     string
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// UploadTarget returns the object path of a recording:
// {bucket}/{survey}/{namespace}/{file}.
func UploadTarget(bucket, surveyName, namespace, file string) string {
	if len(bucket) == 0 {
		bucket = DefaultBucket
	}
	return path.Join(bucket, surveyName, namespace, file)
}

// StorageSecret returns the Secret the upload Job of a participation reads
// its object storage credentials from.
func StorageSecret(participation *surveyv1.Participation, storage StorageConfig) *corev1.Secret {
	labels := labelsFor(participation.Name)
	delete(labels, AppLabel)
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      StorageSecretName(participation.Name),
			Namespace: UserNamespace(participation.Spec.UserID),
			Labels:    labels,
		},
		Type: corev1.SecretTypeOpaque,
		StringData: map[string]string{
			StorageAccessKeyKey: storage.AccessKey,
			StorageSecretKeyKey: storage.SecretKey,
		},
	}
}

func secretEnv(name, secret, key string) corev1.EnvVar {
	return corev1.EnvVar{
		Name: name,
		ValueFrom: &corev1.EnvVarSource{
			SecretKeyRef: &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: secret},
				Key:                  key,
			},
		},
	}
}

// UploadJob returns the Job mirroring the recording of a participation from
// its volume to object storage. Credentials are read from the Secret built by
// StorageSecret.
func UploadJob(participation *surveyv1.Participation, rosbagFile string, storage StorageConfig) *batchv1.Job {
	namespace := UserNamespace(participation.Spec.UserID)
	image := storage.Image
	if len(image) == 0 {
		image = DefaultUploadImage
	}
	endpoint := storage.Endpoint
	if len(endpoint) == 0 {
		endpoint = DefaultStorageEndpoint
	}
	secret := StorageSecretName(participation.Name)
	labels := labelsFor(participation.Name)
	delete(labels, AppLabel)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      UploadJobName(participation.Name),
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            ptr.To[int32](0),
			TTLSecondsAfterFinished: ptr.To(uploadJobTTL),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:    "minio-upload",
							Image:   image,
							Command: []string{"/bin/sh", "-c", uploadScript},
							Env: []corev1.EnvVar{
								{Name: "STORAGE_ENDPOINT", Value: endpoint},
								secretEnv("STORAGE_ACCESS_KEY", secret, StorageAccessKeyKey),
								secretEnv("STORAGE_SECRET_KEY", secret, StorageSecretKeyKey),
								{Name: "SOURCE", Value: path.Join(DataMountPath, rosbagFile)},
								{Name: "TARGET", Value: path.Join("target", UploadTarget(storage.Bucket, participation.Spec.SurveyName, namespace, rosbagFile))},
							},
							VolumeMounts: []corev1.VolumeMount{
								{Name: dataVolumeName, MountPath: DataMountPath},
							},
						},
					},
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
	}
}
