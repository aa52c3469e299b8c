package protocol

import (
	"encoding/json"
	"testing"
)

func TestCapabilityGates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		gate   Gate
		client ClientCapabilities
		server ServerCapabilities
		want   bool
	}{
		{
			name: "subscribe requires server resources.subscribe",
			gate: RequireServerResourceSubscribe,
			server: ServerCapabilities{
				Resources: &ResourcesCapability{Subscribe: true},
			},
			want: true,
		},
		{
			name:   "subscribe denied when resources declared without subscribe",
			gate:   RequireServerResourceSubscribe,
			server: ServerCapabilities{Resources: &ResourcesCapability{ListChanged: true}},
			want:   false,
		},
		{
			name: "subscribe denied when resources absent",
			gate: RequireServerResourceSubscribe,
			want: false,
		},
		{
			name:   "roots requires client declaration",
			gate:   RequireClientRoots,
			client: ClientCapabilities{Roots: &RootsCapability{}},
			want:   true,
		},
		{
			name: "roots denied when absent",
			gate: RequireClientRoots,
			want: false,
		},
		{
			name:   "sampling requires client declaration",
			gate:   RequireClientSampling,
			client: ClientCapabilities{Sampling: &struct{}{}},
			want:   true,
		},
		{
			name:   "elicitation requires client declaration",
			gate:   RequireClientElicitation,
			client: ClientCapabilities{Elicitation: &ElicitationCapability{Form: true}},
			want:   true,
		},
		{
			name:   "tasks requires both sides",
			gate:   RequireTasks,
			client: ClientCapabilities{Tasks: &TasksCapability{}},
			server: ServerCapabilities{Tasks: &TasksCapability{}},
			want:   true,
		},
		{
			name:   "tasks denied when only client declares",
			gate:   RequireTasks,
			client: ClientCapabilities{Tasks: &TasksCapability{}},
			want:   false,
		},
		{
			name: "always allowed ignores both sides",
			gate: AlwaysAllowed,
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.gate(&tt.client, &tt.server); got != tt.want {
				t.Errorf("gate = %v, want %v", got, tt.want)
			}
		})
	}
}

// Presence of a field is the capability: an empty capability object must
// round-trip as declared, and an absent one as nil.
func TestCapabilities_PresenceRoundTrip(t *testing.T) {
	t.Parallel()

	var c ClientCapabilities
	if err := json.Unmarshal([]byte(`{"sampling":{},"roots":{"listChanged":true}}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Sampling == nil {
		t.Error("sampling declared but decoded nil")
	}
	if c.Roots == nil || !c.Roots.ListChanged {
		t.Errorf("roots = %+v, want listChanged=true", c.Roots)
	}
	if c.Elicitation != nil {
		t.Error("elicitation decoded non-nil despite absence")
	}

	out, err := json.Marshal(ServerCapabilities{Tools: &ToolsCapability{ListChanged: true}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"tools":{"listChanged":true}}`
	if string(out) != want {
		t.Errorf("marshal = %s, want %s", out, want)
	}
}
