package v1alpha1

// Device is one exported device as last reported by its exporter over
// Register. Composite exporters report a tree of devices, children carrying
// the uuid of their parent.
type Device struct {
	Uuid       string            `json:"uuid,omitempty"`
	ParentUuid *string           `json:"parent_uuid,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}
