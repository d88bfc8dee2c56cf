package service

import (
	"testing"

	kclient "sigs.k8s.io/controller-runtime/pkg/client"
)

func TestParseExporterIdentifier(t *testing.T) {
	key, err := ParseExporterIdentifier("namespaces/default/exporters/e1")
	if err != nil {
		t.Fatalf("failed to parse identifier: %v", err)
	}
	if key.Namespace != "default" || key.Name != "e1" {
		t.Errorf("unexpected key %+v", key)
	}

	for _, identifier := range []string{
		"",
		"e1",
		"default/e1",
		"namespaces/default/clients/e1",
		"projects/default/exporters/e1",
		"namespaces/default/exporters/e1/extra",
	} {
		if _, err := ParseExporterIdentifier(identifier); err == nil {
			t.Errorf("expected %q to be rejected", identifier)
		}
	}
}

func TestUnparseExporterIdentifier(t *testing.T) {
	identifier := UnparseExporterIdentifier(kclient.ObjectKey{Namespace: "default", Name: "e1"})
	if identifier != "namespaces/default/exporters/e1" {
		t.Errorf("unexpected identifier %q", identifier)
	}
}

func TestMatchLabels(t *testing.T) {
	exporter := map[string]string{"board": "rpi4", "site": "lab1"}

	if got := MatchLabels(map[string]string{"site": "lab1"}, exporter); got != 1 {
		t.Errorf("expected 1 match, got %d", got)
	}
	if got := MatchLabels(map[string]string{"site": "lab1", "board": "rpi4"}, exporter); got != 2 {
		t.Errorf("expected 2 matches, got %d", got)
	}
	if got := MatchLabels(map[string]string{"site": "lab2"}, exporter); got != 0 {
		t.Errorf("expected 0 matches, got %d", got)
	}
	if got := MatchLabels(nil, exporter); got != 0 {
		t.Errorf("expected 0 matches for empty labels, got %d", got)
	}
}
