/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"errors"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/log"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
)

// LeaseReconciler arbitrates leases over exporters. A lease moves from
// Pending to Ready once an online, unleased exporter matching its selector is
// claimed for it, and ends on release, expiry or loss of the exporter.
// Unsatisfiable and exhausted leases stay pending and are re-evaluated
// whenever an exporter changes.
type LeaseReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	// ProvisioningEnabled skips the existence check on explicitly
	// requested exporters, since they may be provisioned later.
	ProvisioningEnabled bool
}

// +kubebuilder:rbac:groups=jumpstarter.dev,resources=leases,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=jumpstarter.dev,resources=leases/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=jumpstarter.dev,resources=leases/finalizers,verbs=update

func (r *LeaseReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var lease jumpstarterdevv1alpha1.Lease
	if err := r.Get(ctx, req.NamespacedName, &lease); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	original := lease.DeepCopy()

	result, err := r.reconcile(ctx, &lease)
	if err != nil {
		return RequeueConflict(logger, result, err)
	}

	if err := r.Status().Patch(ctx, &lease, client.MergeFrom(original)); err != nil {
		return RequeueConflict(logger, ctrl.Result{}, err)
	}

	if err := r.reconcileMetadata(ctx, &lease); err != nil {
		return RequeueConflict(logger, ctrl.Result{}, err)
	}

	return result, nil
}

func (r *LeaseReconciler) reconcile(
	ctx context.Context,
	lease *jumpstarterdevv1alpha1.Lease,
) (ctrl.Result, error) {
	if lease.Status.Ended {
		// terminal, only make sure the exporter is not left claimed
		return ctrl.Result{}, r.releaseExporter(ctx, lease)
	}

	if lease.Spec.Release {
		lease.Release(ctx)
		return ctrl.Result{}, r.releaseExporter(ctx, lease)
	}

	selector, invalid := r.validate(ctx, lease)
	if invalid {
		lease.Status.Ended = true
		lease.SetStatusCondition(jumpstarterdevv1alpha1.LeaseConditionTypePending, false,
			"Invalid", "The lease request is invalid")
		return ctrl.Result{}, nil
	}

	if lease.Status.ExporterRef != nil {
		return r.reconcileStatusAcquired(ctx, lease)
	}

	return r.reconcileStatusExporterRef(ctx, lease, selector)
}

// validate flags invalid lease requests. Invalid is a terminal state, the
// lease never becomes Ready.
func (r *LeaseReconciler) validate(
	ctx context.Context,
	lease *jumpstarterdevv1alpha1.Lease,
) (labels.Selector, bool) {
	if lease.Spec.Duration.Duration <= 0 {
		lease.SetStatusInvalid("InvalidDuration", "The lease duration must be positive")
		return nil, true
	}

	selector, err := lease.GetExporterSelector()
	if err != nil {
		lease.SetStatusInvalid("InvalidSelector", "Invalid exporter selector: %s", err)
		return nil, true
	}

	if lease.Spec.ExporterRef != nil && !r.ProvisioningEnabled {
		var exporter jumpstarterdevv1alpha1.Exporter
		err := r.Get(ctx, types.NamespacedName{
			Namespace: lease.Namespace,
			Name:      lease.Spec.ExporterRef.Name,
		}, &exporter)
		if apierrors.IsNotFound(err) {
			lease.SetStatusInvalid("InvalidExporter",
				"The requested exporter %q does not exist", lease.Spec.ExporterRef.Name)
			return nil, true
		}
	}

	return selector, false
}

// reconcileStatusAcquired maintains a lease that holds an exporter: it
// expires the lease at its end time, extends the end time when the requested
// duration grows, and ends the lease when the exporter is gone or offline.
func (r *LeaseReconciler) reconcileStatusAcquired(
	ctx context.Context,
	lease *jumpstarterdevv1alpha1.Lease,
) (ctrl.Result, error) {
	// the end time only moves forward, shrinking a lease retroactively
	// would yank the exporter from under the client
	if lease.Status.BeginTime != nil {
		extended := metav1.NewTime(lease.Status.BeginTime.Add(lease.Spec.Duration.Duration))
		if lease.Status.EndTime == nil || extended.After(lease.Status.EndTime.Time) {
			lease.Status.EndTime = &extended
		}
	}

	if lease.Status.EndTime != nil && !time.Now().Before(lease.Status.EndTime.Time) {
		lease.Expire(ctx)
		return ctrl.Result{}, r.releaseExporter(ctx, lease)
	}

	var exporter jumpstarterdevv1alpha1.Exporter
	err := r.Get(ctx, types.NamespacedName{
		Namespace: lease.Namespace,
		Name:      lease.Status.ExporterRef.Name,
	}, &exporter)
	switch {
	case apierrors.IsNotFound(err):
		lease.SetStatusReady(false, "ExporterDeleted", "The exporter backing this lease was deleted")
		lease.Status.Ended = true
		lease.Status.EndTime = &metav1.Time{Time: time.Now()}
		return ctrl.Result{}, nil
	case err != nil:
		return ctrl.Result{}, err
	case !exporter.IsOnline():
		lease.SetStatusReady(false, "ExporterOffline", "The exporter backing this lease went offline")
		lease.Status.Ended = true
		lease.Status.EndTime = &metav1.Time{Time: time.Now()}
		return ctrl.Result{}, r.releaseExporter(ctx, lease)
	}

	return ctrl.Result{RequeueAfter: time.Until(lease.Status.EndTime.Time) + time.Second}, nil
}

// reconcileStatusExporterRef tries to acquire an exporter for a pending
// lease. Acquisition is deterministic: exporters are taken in name order and
// strictly older pending leases competing for the same exporters go first.
func (r *LeaseReconciler) reconcileStatusExporterRef(
	ctx context.Context,
	lease *jumpstarterdevv1alpha1.Lease,
	selector labels.Selector,
) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	matching, err := r.matchingExporters(ctx, lease, selector)
	if err != nil {
		return ctrl.Result{}, err
	}

	if len(matching) == 0 {
		lease.SetStatusPending("NoMatchingExporters", "No exporter matches the requested selector")
		lease.SetStatusUnsatisfiable(true, "NoMatchingExporters", "No exporter matches the requested selector")
		return ctrl.Result{}, nil
	}

	lease.SetStatusUnsatisfiable(false, "MatchingExporters", "Exporters matching the requested selector exist")

	var available []jumpstarterdevv1alpha1.Exporter
	for _, exporter := range matching {
		if exporter.IsOnline() && exporter.Status.LeaseRef == nil {
			available = append(available, exporter)
		}
	}

	if len(available) == 0 {
		lease.SetStatusPending("NoExportersAvailable", "All matching exporters are offline or leased")
		return ctrl.Result{}, nil
	}

	waiting, err := r.olderLeaseWaiting(ctx, lease, available)
	if err != nil {
		return ctrl.Result{}, err
	}
	if waiting {
		lease.SetStatusPending("Waiting", "An older lease is waiting for a matching exporter")
		return ctrl.Result{RequeueAfter: time.Second}, nil
	}

	sort.Slice(available, func(i, j int) bool {
		return available[i].Name < available[j].Name
	})
	exporter := available[0]

	// claim the exporter first, the write fails on conflict if another
	// lease got there in between
	exporter.Status.LeaseRef = &corev1.LocalObjectReference{Name: lease.Name}
	if err := r.Status().Update(ctx, &exporter); err != nil {
		return ctrl.Result{}, err
	}

	logger.Info("lease acquired exporter",
		"lease", lease.Name, "client", lease.GetClientName(), "exporter", exporter.Name)

	beginTime := metav1.Now()
	endTime := metav1.NewTime(beginTime.Add(lease.Spec.Duration.Duration))
	lease.Status.BeginTime = &beginTime
	lease.Status.EndTime = &endTime
	lease.Status.ExporterRef = &corev1.LocalObjectReference{Name: exporter.Name}
	lease.SetStatusCondition(jumpstarterdevv1alpha1.LeaseConditionTypePending, false,
		"Acquired", "Acquired exporter %q", exporter.Name)
	lease.SetStatusReady(true, "Acquired", "Acquired exporter %q", exporter.Name)

	return ctrl.Result{RequeueAfter: lease.Spec.Duration.Duration + time.Second}, nil
}

func (r *LeaseReconciler) matchingExporters(
	ctx context.Context,
	lease *jumpstarterdevv1alpha1.Lease,
	selector labels.Selector,
) ([]jumpstarterdevv1alpha1.Exporter, error) {
	if lease.Spec.ExporterRef != nil {
		var exporter jumpstarterdevv1alpha1.Exporter
		err := r.Get(ctx, types.NamespacedName{
			Namespace: lease.Namespace,
			Name:      lease.Spec.ExporterRef.Name,
		}, &exporter)
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []jumpstarterdevv1alpha1.Exporter{exporter}, nil
	}

	var exporters jumpstarterdevv1alpha1.ExporterList
	if err := r.List(
		ctx,
		&exporters,
		client.InNamespace(lease.Namespace),
		client.MatchingLabelsSelector{Selector: selector},
	); err != nil {
		return nil, err
	}
	return exporters.Items, nil
}

// olderLeaseWaiting reports whether a strictly older pending lease could use
// one of the given exporters. Age is creation time, with the name as the tie
// breaker, so that arbitration has a total order.
func (r *LeaseReconciler) olderLeaseWaiting(
	ctx context.Context,
	lease *jumpstarterdevv1alpha1.Lease,
	available []jumpstarterdevv1alpha1.Exporter,
) (bool, error) {
	var leases jumpstarterdevv1alpha1.LeaseList
	if err := r.List(
		ctx,
		&leases,
		client.InNamespace(lease.Namespace),
		MatchingActiveLeases(),
	); err != nil {
		return false, err
	}

	for _, other := range leases.Items {
		if other.Name == lease.Name ||
			other.Status.Ended ||
			other.Status.ExporterRef != nil ||
			other.Spec.Release {
			continue
		}
		if !olderThan(&other, lease) {
			continue
		}
		if other.Spec.ExporterRef != nil {
			for _, exporter := range available {
				if exporter.Name == other.Spec.ExporterRef.Name {
					return true, nil
				}
			}
			continue
		}
		otherSelector, err := other.GetExporterSelector()
		if err != nil {
			// invalid lease, never a competitor
			continue
		}
		for _, exporter := range available {
			if otherSelector.Matches(labels.Set(exporter.Labels)) {
				return true, nil
			}
		}
	}

	return false, nil
}

func olderThan(a, b *jumpstarterdevv1alpha1.Lease) bool {
	if !a.CreationTimestamp.Equal(&b.CreationTimestamp) {
		return a.CreationTimestamp.Before(&b.CreationTimestamp)
	}
	return a.Name < b.Name
}

// releaseExporter clears the claim on the exporter bound to an ended lease.
func (r *LeaseReconciler) releaseExporter(
	ctx context.Context,
	lease *jumpstarterdevv1alpha1.Lease,
) error {
	if lease.Status.ExporterRef == nil {
		return nil
	}

	var exporter jumpstarterdevv1alpha1.Exporter
	err := r.Get(ctx, types.NamespacedName{
		Namespace: lease.Namespace,
		Name:      lease.Status.ExporterRef.Name,
	}, &exporter)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if exporter.Status.LeaseRef == nil || exporter.Status.LeaseRef.Name != lease.Name {
		return nil
	}

	exporter.Status.LeaseRef = nil
	return r.Status().Update(ctx, &exporter)
}

// reconcileMetadata labels ended leases so that active-lease lookups can
// filter them out server side, and parents them to their exporter for
// garbage collection.
func (r *LeaseReconciler) reconcileMetadata(
	ctx context.Context,
	lease *jumpstarterdevv1alpha1.Lease,
) error {
	if !lease.Status.Ended {
		return nil
	}
	if _, ok := lease.Labels[string(jumpstarterdevv1alpha1.LeaseLabelEnded)]; ok {
		return nil
	}

	original := client.MergeFrom(lease.DeepCopy())

	if lease.Labels == nil {
		lease.Labels = make(map[string]string)
	}
	lease.Labels[string(jumpstarterdevv1alpha1.LeaseLabelEnded)] = "true"

	if lease.Status.ExporterRef != nil {
		var exporter jumpstarterdevv1alpha1.Exporter
		err := r.Get(ctx, types.NamespacedName{
			Namespace: lease.Namespace,
			Name:      lease.Status.ExporterRef.Name,
		}, &exporter)
		if err == nil {
			if err := controllerutil.SetControllerReference(&exporter, lease, r.Scheme); err != nil {
				var alreadyOwned *controllerutil.AlreadyOwnedError
				if !errors.As(err, &alreadyOwned) {
					return err
				}
			}
		} else if !apierrors.IsNotFound(err) {
			return err
		}
	}

	return r.Patch(ctx, lease, original)
}

// exporterLeases maps exporter events back to the leases that have to be
// re-evaluated: every pending lease in the namespace plus the lease bound to
// the exporter.
func (r *LeaseReconciler) exporterLeases(ctx context.Context, object client.Object) []ctrl.Request {
	var leases jumpstarterdevv1alpha1.LeaseList
	if err := r.List(
		ctx,
		&leases,
		client.InNamespace(object.GetNamespace()),
		MatchingActiveLeases(),
	); err != nil {
		return nil
	}

	var requests []ctrl.Request
	for _, lease := range leases.Items {
		if lease.Status.ExporterRef == nil || lease.Status.ExporterRef.Name == object.GetName() {
			requests = append(requests, ctrl.Request{NamespacedName: types.NamespacedName{
				Namespace: lease.Namespace,
				Name:      lease.Name,
			}})
		}
	}
	return requests
}

// SetupWithManager sets up the controller with the Manager.
func (r *LeaseReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&jumpstarterdevv1alpha1.Lease{}).
		Watches(
			&jumpstarterdevv1alpha1.Exporter{},
			handler.EnqueueRequestsFromMapFunc(r.exporterLeases),
		).
		Complete(r)
}
