// Package imageref names the images built for survey containers.
package imageref

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

// DefaultRegistry is the in-cluster registry builds push to.
const DefaultRegistry = "registry:5000"

// DefaultTag is the tag every build pushes.
const DefaultTag = "latest"

// ForContainer returns the image reference of a survey container:
// {registry}/{survey}-{container}:latest. The same reference is used as the
// build destination and as the image of the running container.
func ForContainer(registry, surveyName, containerName string) (string, error) {
	if len(registry) == 0 {
		registry = DefaultRegistry
	}
	name := fmt.Sprintf("%s/%s-%s", strings.TrimSuffix(registry, "/"), surveyName, containerName)
	named, err := reference.ParseNormalizedNamed(strings.ToLower(name))
	if err != nil {
		return "", fmt.Errorf("invalid image name %q: %w", name, err)
	}
	tagged, err := reference.WithTag(named, DefaultTag)
	if err != nil {
		return "", fmt.Errorf("invalid image tag for %q: %w", name, err)
	}
	return reference.FamiliarString(tagged), nil
}
