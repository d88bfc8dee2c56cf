package controller

import (
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	jumpstarterdevv1alpha1 "github.com/jumpstarter-dev/jumpstarter-controller/api/v1alpha1"
)

// MatchingActiveLeases lists leases that have not ended yet, i.e. those
// missing the ended marker label.
// TODO: switch to a status field selector once KEP-4358 is stabilized
func MatchingActiveLeases() client.ListOption {
	active, err := labels.NewRequirement(
		string(jumpstarterdevv1alpha1.LeaseLabelEnded),
		selection.DoesNotExist,
		nil,
	)
	utilruntime.Must(err)

	return client.MatchingLabelsSelector{
		Selector: labels.Everything().Add(*active),
	}
}
