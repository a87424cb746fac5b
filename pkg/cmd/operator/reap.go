package operator

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/dynamic"

	surveyclient "github.com/ros-survey/survey-operator/pkg/client"
	"github.com/ros-survey/survey-operator/pkg/participation/reaper"
)

type reapOptions struct {
	Kubeconfig string
	MaxAge     string
	PageSize   int64
	DryRun     bool
}

// NewReapCommand deletes stale participations once.
func NewReapCommand(out io.Writer) *cobra.Command {
	options := &reapOptions{PageSize: reaper.DefaultPageSize}
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Delete participations older than a maximum age",
		Long: `Delete every participation created before now minus --max-age.

Deleted participations are torn down by a running operator, which exports
their recordings first. The age may be a duration or a number of seconds.`,
		Example: `  # List what would be deleted
  survey-operator reap --max-age=24h --dry-run

  # Delete participations older than one hour
  survey-operator reap --max-age=3600`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return options.Run(cmd, out)
		},
	}
	cmd.Flags().StringVar(&options.Kubeconfig, "kubeconfig", options.Kubeconfig, "Path to a kubeconfig. Only required when running outside the cluster.")
	cmd.Flags().StringVar(&options.MaxAge, "max-age", options.MaxAge, "Maximum participation age, as a duration or in seconds.")
	cmd.Flags().Int64Var(&options.PageSize, "page-size", options.PageSize, "Number of participations listed per request.")
	cmd.Flags().BoolVar(&options.DryRun, "dry-run", options.DryRun, "Only print the participations that would be deleted.")
	_ = cmd.MarkFlagRequired("max-age")
	return cmd
}

func (o *reapOptions) maxAge() (time.Duration, error) {
	age, err := parseAge(o.MaxAge)
	if err != nil {
		return 0, fmt.Errorf("invalid --max-age %q: %w", o.MaxAge, err)
	}
	if age <= 0 {
		return 0, fmt.Errorf("--max-age must be positive, got %q", o.MaxAge)
	}
	return age, nil
}

func (o *reapOptions) Run(cmd *cobra.Command, out io.Writer) error {
	age, err := o.maxAge()
	if err != nil {
		return err
	}
	config, err := restConfig(o.Kubeconfig)
	if err != nil {
		return err
	}
	dynamicClient, err := dynamic.NewForConfig(config)
	if err != nil {
		return err
	}
	return o.reap(cmd, surveyclient.NewForDynamic(dynamicClient).Participations(), age, out)
}

func (o *reapOptions) reap(cmd *cobra.Command, client reaper.ParticipationLister, age time.Duration, out io.Writer) error {
	r := reaper.New(client, reaper.Options{MaxAge: age, PageSize: o.PageSize, DryRun: o.DryRun})
	reaped, err := r.Reap(cmd.Context())
	verb := "deleted"
	if o.DryRun {
		verb = "would be deleted"
	}
	for _, name := range reaped {
		fmt.Fprintf(out, "participation %q %s\n", name, verb)
	}
	return err
}
