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
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
)

// ExporterReconciler reconciles a Exporter object
type ExporterReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Signer *oidc.Signer
	// OfflineTimeout is how long an exporter may stay silent before its
	// Online condition turns false.
	OfflineTimeout time.Duration
}

// +kubebuilder:rbac:groups=jumpstarter.dev,resources=exporters,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=jumpstarter.dev,resources=exporters/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=jumpstarter.dev,resources=exporters/finalizers,verbs=update
// +kubebuilder:rbac:groups=core,resources=secrets,verbs=get;list;watch;create;update;patch;delete

func (r *ExporterReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var exporter jumpstarterdevv1alpha1.Exporter
	if err := r.Get(ctx, req.NamespacedName, &exporter); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	original := exporter.DeepCopy()

	if err := r.reconcileStatusCredential(ctx, &exporter); err != nil {
		return RequeueConflict(logger, ctrl.Result{}, err)
	}

	r.reconcileStatusEndpoint(&exporter)

	requeueAfter := r.reconcileStatusConditions(&exporter)

	if err := r.Status().Patch(ctx, &exporter, client.MergeFrom(original)); err != nil {
		return RequeueConflict(logger, ctrl.Result{}, err)
	}

	return ctrl.Result{RequeueAfter: requeueAfter}, nil
}

func (r *ExporterReconciler) reconcileStatusCredential(
	ctx context.Context,
	exporter *jumpstarterdevv1alpha1.Exporter,
) error {
	secret, err := ensureSecret(
		ctx,
		client.ObjectKey{
			Namespace: exporter.Namespace,
			Name:      exporter.Name + "-exporter",
		},
		r.Client,
		r.Scheme,
		r.Signer,
		exporter.InternalSubject(),
		exporter,
	)
	if err != nil {
		return err
	}

	exporter.Status.Credential = &corev1.LocalObjectReference{Name: secret.Name}

	return nil
}

func (r *ExporterReconciler) reconcileStatusEndpoint(exporter *jumpstarterdevv1alpha1.Exporter) {
	exporter.Status.Endpoint = controllerEndpoint()
}

// reconcileStatusConditions maintains the Registered and Online conditions
// and returns the delay after which Online has to be re-evaluated.
func (r *ExporterReconciler) reconcileStatusConditions(
	exporter *jumpstarterdevv1alpha1.Exporter,
) time.Duration {
	if exporter.Status.Devices != nil {
		exporter.SetStatusCondition(jumpstarterdevv1alpha1.ExporterConditionTypeRegistered,
			metav1.ConditionTrue, "Registered", "Exporter has reported its devices")
	} else {
		exporter.SetStatusCondition(jumpstarterdevv1alpha1.ExporterConditionTypeRegistered,
			metav1.ConditionFalse, "Unregistered", "Exporter has not reported its devices")
	}

	offlineTimeout := r.OfflineTimeout
	if offlineTimeout == 0 {
		offlineTimeout = 180 * time.Second
	}

	lastSeen := exporter.Status.LastSeen
	switch {
	case lastSeen.IsZero():
		exporter.SetStatusCondition(jumpstarterdevv1alpha1.ExporterConditionTypeOnline,
			metav1.ConditionFalse, "NeverSeen", "Exporter has never connected")
		return 0
	case time.Since(lastSeen.Time) > offlineTimeout:
		exporter.SetStatusCondition(jumpstarterdevv1alpha1.ExporterConditionTypeOnline,
			metav1.ConditionFalse, "Offline", "Exporter has not been seen recently")
		return 0
	default:
		exporter.SetStatusCondition(jumpstarterdevv1alpha1.ExporterConditionTypeOnline,
			metav1.ConditionTrue, "Online", "Exporter is connected")
		// recheck shortly after the online window would elapse
		return offlineTimeout - time.Since(lastSeen.Time) + time.Second
	}
}

// SetupWithManager sets up the controller with the Manager.
func (r *ExporterReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&jumpstarterdevv1alpha1.Exporter{}).
		Owns(&corev1.Secret{}).
		Complete(r)
}
