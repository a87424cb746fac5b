// Package operator holds the commands of the survey-operator binary.
package operator

import (
	"flag"
	"io"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// NewCommand returns the root command with every subcommand attached.
func NewCommand(out, errOut io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "survey-operator",
		Short: "Build survey environments and run participations on Kubernetes",
		Long: `survey-operator builds the container images of surveys and runs one
environment per participation, exporting its recording when it ends.`,
		SilenceUsage: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	goFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goFlags)
	cmd.PersistentFlags().AddGoFlagSet(goFlags)

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewReapCommand(out))
	cmd.AddCommand(NewCRDsCommand(out))
	return cmd
}
