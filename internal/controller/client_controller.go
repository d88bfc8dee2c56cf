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

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
	"github.com/jumpstarter-dev/jumpstarter-controller/internal/oidc"
)

// ClientReconciler reconciles a Client object
type ClientReconciler struct {
	client.Client
	Scheme *runtime.Scheme
	Signer *oidc.Signer
}

// +kubebuilder:rbac:groups=jumpstarter.dev,resources=clients,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=jumpstarter.dev,resources=clients/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=jumpstarter.dev,resources=clients/finalizers,verbs=update

func (r *ClientReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	var jclient jumpstarterdevv1alpha1.Client
	if err := r.Get(ctx, req.NamespacedName, &jclient); err != nil {
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	original := jclient.DeepCopy()

	if err := r.reconcileStatusCredential(ctx, &jclient); err != nil {
		return RequeueConflict(logger, ctrl.Result{}, err)
	}

	jclient.Status.Endpoint = controllerEndpoint()

	if err := r.Status().Patch(ctx, &jclient, client.MergeFrom(original)); err != nil {
		return RequeueConflict(logger, ctrl.Result{}, err)
	}

	return ctrl.Result{}, nil
}

func (r *ClientReconciler) reconcileStatusCredential(
	ctx context.Context,
	jclient *jumpstarterdevv1alpha1.Client,
) error {
	secret, err := ensureSecret(
		ctx,
		client.ObjectKey{
			Namespace: jclient.Namespace,
			Name:      jclient.Name + "-client",
		},
		r.Client,
		r.Scheme,
		r.Signer,
		jclient.InternalSubject(),
		jclient,
	)
	if err != nil {
		return err
	}

	jclient.Status.Credential = &corev1.LocalObjectReference{Name: secret.Name}

	return nil
}

// SetupWithManager sets up the controller with the Manager.
func (r *ClientReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&jumpstarterdevv1alpha1.Client{}).
		Owns(&corev1.Secret{}).
		Complete(r)
}
