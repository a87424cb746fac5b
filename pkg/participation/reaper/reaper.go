// Package reaper deletes Participations that outlived the maximum session
// age. Deletion only marks them; the participation controller exports the
// recordings and removes the environments.
package reaper

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	surveyv1 "github.com/ros-survey/survey-operator/pkg/apis/survey/v1"
	"github.com/ros-survey/survey-operator/pkg/metrics"
)

// DefaultPageSize bounds every list request.
const DefaultPageSize = 50

// ParticipationLister lists and deletes Participations.
type ParticipationLister interface {
	List(ctx context.Context, opts metav1.ListOptions) (*surveyv1.ParticipationList, error)
	Delete(ctx context.Context, name string, opts metav1.DeleteOptions) error
}

// Options configures a Reaper.
type Options struct {
	// MaxAge is the age after which a Participation is deleted.
	MaxAge time.Duration
	// PageSize is the list page size, DefaultPageSize when zero.
	PageSize int64
	// DryRun reports stale Participations without deleting them.
	DryRun bool
}

// Reaper deletes stale Participations.
type Reaper struct {
	client  ParticipationLister
	options Options
	clock   clock.Clock
}

func New(client ParticipationLister, options Options) *Reaper {
	if options.PageSize <= 0 {
		options.PageSize = DefaultPageSize
	}
	return &Reaper{client: client, options: options, clock: clock.RealClock{}}
}

// Reap walks every page of Participations and deletes each one created
// before now minus the maximum age. It returns the names of the deleted
// Participations. Delete failures do not stop the walk; they are returned
// together once every page was visited.
func (r *Reaper) Reap(ctx context.Context) ([]string, error) {
	if r.options.MaxAge <= 0 {
		return nil, fmt.Errorf("maximum participation age must be positive, got %v", r.options.MaxAge)
	}
	cutoff := r.clock.Now().Add(-r.options.MaxAge)
	klog.V(4).Infof("Reaping participations created before %s", cutoff.Format(time.RFC3339))

	var (
		reaped []string
		errs   []error
		cont   string
	)
	for {
		list, err := r.client.List(ctx, metav1.ListOptions{Limit: r.options.PageSize, Continue: cont})
		if err != nil {
			errs = append(errs, fmt.Errorf("unable to list participations: %w", err))
			break
		}
		for i := range list.Items {
			p := &list.Items[i]
			if !p.CreationTimestamp.Time.Before(cutoff) || p.DeletionTimestamp != nil {
				continue
			}
			if r.options.DryRun {
				klog.Infof("Would delete participation %s created %s", p.Name, p.CreationTimestamp.Format(time.RFC3339))
				reaped = append(reaped, p.Name)
				continue
			}
			klog.V(2).Infof("Deleting participation %s created %s", p.Name, p.CreationTimestamp.Format(time.RFC3339))
			if err := r.client.Delete(ctx, p.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
				errs = append(errs, fmt.Errorf("unable to delete participation %s: %w", p.Name, err))
				continue
			}
			metrics.Reaped.Inc()
			reaped = append(reaped, p.Name)
		}
		cont = list.Continue
		if len(cont) == 0 {
			break
		}
	}
	return reaped, utilerrors.NewAggregate(errs)
}

// Run reaps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	klog.Infof("Starting participation reaper, max age %v, interval %v", r.options.MaxAge, interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		reaped, err := r.Reap(ctx)
		if err != nil {
			klog.Errorf("Reaping participations failed: %v", err)
		}
		if len(reaped) > 0 {
			klog.Infof("Reaped %d participations", len(reaped))
		}
	}, interval)
}
