package operator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclient "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
)

// NewCRDsCommand prints the resource definitions as a YAML stream.
func NewCRDsCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "crds",
		Short: "Print the Survey and Participation resource definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return WriteCRDs(out)
		},
	}
}

// WriteCRDs writes every definition to out, separated by document markers.
func WriteCRDs(out io.Writer) error {
	for _, crd := range surveyv1.CustomResourceDefinitions() {
		data, err := yaml.Marshal(crd)
		if err != nil {
			return fmt.Errorf("unable to encode %s: %w", crd.Name, err)
		}
		if _, err := fmt.Fprintf(out, "---\n%s", data); err != nil {
			return err
		}
	}
	return nil
}

// InstallCRDs creates the resource definitions or updates them to the
// current schema.
func InstallCRDs(ctx context.Context, client apiextensionsclient.Interface) error {
	crds := client.ApiextensionsV1().CustomResourceDefinitions()
	for _, crd := range surveyv1.CustomResourceDefinitions() {
		existing, err := crds.Get(ctx, crd.Name, metav1.GetOptions{})
		switch {
		case apierrors.IsNotFound(err):
			if _, err := crds.Create(ctx, crd, metav1.CreateOptions{}); err != nil {
				return fmt.Errorf("unable to create %s: %w", crd.Name, err)
			}
			klog.Infof("Created custom resource definition %s", crd.Name)
		case err != nil:
			return fmt.Errorf("unable to get %s: %w", crd.Name, err)
		default:
			updated := existing.DeepCopy()
			updated.Spec = *crd.Spec.DeepCopy()
			if _, err := crds.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
				return fmt.Errorf("unable to update %s: %w", crd.Name, err)
			}
			klog.V(2).Infof("Updated custom resource definition %s", crd.Name)
		}
	}
	return nil
}

// WaitForCRDs blocks until the API server serves every definition.
func WaitForCRDs(ctx context.Context, client apiextensionsclient.Interface, interval, timeout time.Duration) error {
	crds := client.ApiextensionsV1().CustomResourceDefinitions()
	for _, crd := range surveyv1.CustomResourceDefinitions() {
		name := crd.Name
		err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
			current, err := crds.Get(ctx, name, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			return established(current), nil
		})
		if err != nil {
			return fmt.Errorf("%s is not established: %w", name, err)
		}
	}
	return nil
}

// established reports whether the API server serves crd.
func established(crd *apiextensionsv1.CustomResourceDefinition) bool {
	for _, cond := range crd.Status.Conditions {
		if cond.Type == apiextensionsv1.Established && cond.Status == apiextensionsv1.ConditionTrue {
			return true
		}
	}
	return false
}
