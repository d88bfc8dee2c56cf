package v1alpha1

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/selection"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ParseLabelSelector parses the string form of a label selector
// (e.g. "board-type=qc8775,revision!=v3") into a metav1.LabelSelector.
//
// metav1.ParseToLabelSelector is not usable here: it maps != requirements
// into matchLabels, silently turning exclusion into equality. This version
// keeps equality requirements in matchLabels and turns everything else into
// matchExpressions, merging repeated != requirements on the same key into a
// single NotIn expression.
func ParseLabelSelector(selector string) (*metav1.LabelSelector, error) {
	parsed, err := labels.Parse(selector)
	if err != nil {
		return nil, fmt.Errorf("unable to parse selector %q: %w", selector, err)
	}

	result := &metav1.LabelSelector{MatchLabels: map[string]string{}}
	notIn := map[string][]string{}
	var notInKeys []string

	requirements, _ := parsed.Requirements()
	for _, requirement := range requirements {
		key := requirement.Key()
		values := requirement.Values().List()

		switch requirement.Operator() {
		case selection.Equals, selection.DoubleEquals:
			if existing, ok := result.MatchLabels[key]; ok && existing != values[0] {
				return nil, fmt.Errorf(
					"selector %q cannot have multiple equality requirements on key %q", selector, key)
			}
			result.MatchLabels[key] = values[0]
		case selection.NotEquals, selection.NotIn:
			if _, ok := notIn[key]; !ok {
				notInKeys = append(notInKeys, key)
			}
			notIn[key] = mergeValues(notIn[key], values)
		case selection.In:
			result.MatchExpressions = append(result.MatchExpressions, metav1.LabelSelectorRequirement{
				Key:      key,
				Operator: metav1.LabelSelectorOpIn,
				Values:   values,
			})
		case selection.Exists:
			result.MatchExpressions = append(result.MatchExpressions, metav1.LabelSelectorRequirement{
				Key:      key,
				Operator: metav1.LabelSelectorOpExists,
			})
		case selection.DoesNotExist:
			result.MatchExpressions = append(result.MatchExpressions, metav1.LabelSelectorRequirement{
				Key:      key,
				Operator: metav1.LabelSelectorOpDoesNotExist,
			})
		default:
			return nil, fmt.Errorf("selector %q uses unsupported operator %q", selector, requirement.Operator())
		}
	}

	for _, key := range notInKeys {
		result.MatchExpressions = append(result.MatchExpressions, metav1.LabelSelectorRequirement{
			Key:      key,
			Operator: metav1.LabelSelectorOpNotIn,
			Values:   notIn[key],
		})
	}

	return result, nil
}

func mergeValues(existing, incoming []string) []string {
	for _, value := range incoming {
		found := false
		for _, present := range existing {
			if present == value {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, value)
		}
	}
	return existing
}

// NewLease constructs a lease for the given client and selector. The
// selector's matchLabels are copied onto the lease metadata so leases can be
// listed by the same labels as the exporters they target.
func NewLease(
	key types.NamespacedName,
	clientRef corev1.LocalObjectReference,
	selector metav1.LabelSelector,
	duration metav1.Duration,
	exporterRef *corev1.LocalObjectReference,
) *Lease {
	labels := map[string]string{}
	for k, v := range selector.MatchLabels {
		labels[k] = v
	}

	return &Lease{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: key.Namespace,
			Name:      key.Name,
			Labels:    labels,
		},
		Spec: LeaseSpec{
			ClientRef:   clientRef,
			Duration:    duration,
			Selector:    selector,
			ExporterRef: exporterRef,
		},
	}
}

func (l *Lease) GetExporterSelector() (labels.Selector, error) {
	return metav1.LabelSelectorAsSelector(&l.Spec.Selector)
}

func (l *Lease) SetStatusPending(reason, messageFormat string, a ...any) {
	l.SetStatusCondition(LeaseConditionTypePending, true, reason, messageFormat, a...)
}

func (l *Lease) SetStatusReady(status bool, reason, messageFormat string, a ...any) {
	l.SetStatusCondition(LeaseConditionTypeReady, status, reason, messageFormat, a...)
}

func (l *Lease) SetStatusUnsatisfiable(status bool, reason, messageFormat string, a ...any) {
	l.SetStatusCondition(LeaseConditionTypeUnsatisfiable, status, reason, messageFormat, a...)
}

func (l *Lease) SetStatusInvalid(reason, messageFormat string, a ...any) {
	l.SetStatusCondition(LeaseConditionTypeInvalid, true, reason, messageFormat, a...)
}

func (l *Lease) SetStatusExpired(reason, messageFormat string, a ...any) {
	l.SetStatusCondition(LeaseConditionTypeExpired, true, reason, messageFormat, a...)
}

func (l *Lease) SetStatusCondition(
	condition LeaseConditionType,
	status bool,
	reason, messageFormat string, a ...any) {

	var statusCondition metav1.ConditionStatus

	if status {
		statusCondition = metav1.ConditionTrue
	} else {
		statusCondition = metav1.ConditionFalse
	}

	meta.SetStatusCondition(&l.Status.Conditions, metav1.Condition{
		Type:               string(condition),
		Status:             statusCondition,
		ObservedGeneration: l.Generation,
		LastTransitionTime: metav1.Time{
			Time: time.Now(),
		},
		Reason:  reason,
		Message: fmt.Sprintf(messageFormat, a...),
	})
}

// HasCondition reports whether the given condition is currently true.
func (l *Lease) HasCondition(condition LeaseConditionType) bool {
	return meta.IsStatusConditionTrue(l.Status.Conditions, string(condition))
}

func (l *Lease) GetExporterName() string {
	if l.Status.ExporterRef == nil {
		return "(none)"
	}
	return l.Status.ExporterRef.Name
}

func (l *Lease) GetClientName() string {
	return l.Spec.ClientRef.Name
}

func (l *Lease) Release(ctx context.Context) {
	logger := log.FromContext(ctx)
	logger.Info("The lease has been marked for release", "lease", l.Name, "exporter", l.GetExporterName(), "client", l.GetClientName())
	l.SetStatusReady(false, "Released", "The lease was marked for release")
	l.Status.Ended = true
	l.Status.EndTime = &metav1.Time{Time: time.Now()}
}

func (l *Lease) Expire(ctx context.Context) {
	logger := log.FromContext(ctx)
	logger.Info("The lease has expired", "lease", l.Name, "exporter", l.GetExporterName(), "client", l.GetClientName())
	l.SetStatusReady(false, "Expired", "The lease has expired")
	l.SetStatusExpired("Expired", "The lease reached its end time")
	l.Status.Ended = true
}
