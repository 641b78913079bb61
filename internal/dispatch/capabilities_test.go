package dispatch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

func TestKeywordDetector_Detect(t *testing.T) {
	d, err := NewKeywordDetector(DefaultRules(), 8)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		payload string
		want    []domain.Capability
	}{
		{"empty", ``, nil},
		{"not json", `{"nodes":`, nil},
		{"browser node", `{"nodes":[{"id":"1","type":"Browser.OpenPage"}]}`, []domain.Capability{domain.CapabilityBrowser}},
		{"nested desktop and gpu", `{"steps":[{"action":"click"},{"children":[{"node_type":"desktop_click"},{"kind":"cuda_infer"}]}]}`,
			[]domain.Capability{domain.CapabilityDesktop, domain.CapabilityGPU}},
		{"keyword outside type key", `{"description":"open the browser","type":"http_request"}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(json.RawMessage(tt.payload))
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeywordDetector_Cached(t *testing.T) {
	d, _ := NewKeywordDetector(DefaultRules(), 2)
	payload := json.RawMessage(`{"type":"chrome_navigate"}`)
	d.Detect(payload)
	if d.cache.Len() != 1 {
		t.Fatalf("got cache len %d, want 1", d.cache.Len())
	}
	d.Detect(payload)
	if d.cache.Len() != 1 {
		t.Errorf("same payload cached twice")
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `rules:
  - capability: gpu
    keywords: [Tensor, " onnx "]
  - capability: network
    keywords: [http]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 || rules[0].Capability != domain.CapabilityGPU {
		t.Fatalf("got %+v", rules)
	}

	d, _ := NewKeywordDetector(rules, 0)
	got := d.Detect(json.RawMessage(`[{"type":"onnx_run"},{"type":"HTTP_GET"}]`))
	want := []domain.Capability{domain.CapabilityGPU, domain.CapabilityNetwork}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLoadRules_UnknownCapability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	_ = os.WriteFile(path, []byte("rules:\n  - capability: teleport\n    keywords: [beam]\n"), 0o644)

	if _, err := LoadRules(path); err == nil {
		t.Error("expected error for unknown capability")
	}
}

func TestDispatcher_DetectedCapabilitiesRestrictCandidates(t *testing.T) {
	det, _ := NewKeywordDetector(DefaultRules(), 8)
	h := newHarness(t, Options{Detector: det})
	h.robot(t, "robot-plain", 4)
	h.robot(t, "robot-web", 1, domain.CapabilityBrowser)

	rb, err := h.disp.SelectRobot(domain.Job{WorkflowID: "wf", Payload: json.RawMessage(`{"nodes":[{"type":"playwright_open"}]}`)})
	if err != nil {
		t.Fatal(err)
	}
	if rb.ID != "robot-web" {
		t.Errorf("got %s, want robot-web", rb.ID)
	}
}
