package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/ros-survey/survey-operator/pkg/cmd/operator"
)

func main() {
	defer klog.Flush()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := operator.NewCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		cancel()
		klog.Flush()
		os.Exit(1)
	}
}
