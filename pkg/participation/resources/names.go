// Package resources builds the typed cluster objects that make up the
// environment of one Participation.
package resources

import (
	"fmt"
	"strings"
)

const (
	// RosbagFile is the recording written by the recorder container.
	RosbagFile = "simulation.bag"
	// DataMountPath is where the participation volume is mounted.
	DataMountPath = "/data"

	// AppLabel selects the pods of a participation deployment.
	AppLabel = "app"
	// ParticipationLabel marks every object created for a participation.
	ParticipationLabel = "example.com/participation"

	dataVolumeName = "data"
)

// UserNamespace returns the namespace isolating the environments of a user.
func UserNamespace(userID string) string {
	return "user-" + strings.ToLower(userID)
}

// VolumeClaimName returns the name of the recording volume of a participation.
func VolumeClaimName(participation string) string {
	return participation + "-data"
}

func ServiceName(participation, container string) string {
	return fmt.Sprintf("service-%s-%s", participation, strings.ToLower(container))
}

func IngressName(participation, container string, targetPort int32) string {
	return fmt.Sprintf("ingress-%s-%s-%d", participation, strings.ToLower(container), targetPort)
}

// UploadJobName returns the name of the Job exporting the recording. The name
// is fixed so a resubmitted export attaches to the first one.
func UploadJobName(participation string) string {
	return participation + "-minio-upload"
}

// StorageSecretName returns the name of the Secret holding the object storage
// credentials of an upload Job.
func StorageSecretName(participation string) string {
	return participation + "-storage"
}

// Hostname returns the externally reachable host of an exposed container
// port: {userId}{container}{targetPort}.{domain}.
func Hostname(userID, container string, targetPort int32, domain string) string {
	return strings.ToLower(fmt.Sprintf("%s%s%d.%s", userID, container, targetPort, domain))
}

func labelsFor(participation string) map[string]string {
	return map[string]string{
		AppLabel:           participation,
		ParticipationLabel: participation,
	}
}
