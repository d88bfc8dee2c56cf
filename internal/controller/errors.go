package controller

import (
	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
)

// RequeueConflict swallows optimistic concurrency conflicts and requeues
// instead, since the next reconciliation sees the fresh object anyway.
func RequeueConflict(logger logr.Logger, result ctrl.Result, err error) (ctrl.Result, error) {
	if !apierrors.IsConflict(err) {
		return result, err
	}
	logger.V(1).Info("requeuing reconciliation on update conflict", "error", err)
	return ctrl.Result{Requeue: true}, nil
}
