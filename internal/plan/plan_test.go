package plan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reelforge/internal/services"
)

var testLimits = Limits{MinSceneSeconds: 0.5, MaxSceneSeconds: 60, MaxScenes: 3}

func validPlan() ScenePlan {
	return ScenePlan{Scenes: []Scene{
		{Index: 0, ImageRef: "/a.png", DurationSec: 3},
		{Index: 1, ImageRef: "/b.png", DurationSec: 4, Effects: map[string]string{"fade_in": "0.5", "zoom": "in"}},
	}}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ScenePlan)
		want   string
	}{
		{"valid", func(*ScenePlan) {}, ""},
		{"empty", func(p *ScenePlan) { p.Scenes = nil }, "no scenes"},
		{"too many", func(p *ScenePlan) {
			p.Scenes = append(p.Scenes, Scene{Index: 2, ImageRef: "c", DurationSec: 1}, Scene{Index: 3, ImageRef: "d", DurationSec: 1})
		}, "limit is 3"},
		{"too short", func(p *ScenePlan) { p.Scenes[0].DurationSec = 0.1 }, "below minimum"},
		{"too long", func(p *ScenePlan) { p.Scenes[1].DurationSec = 61 }, "above maximum"},
		{"order", func(p *ScenePlan) { p.Scenes[1].Index = 5 }, "must be ordered"},
		{"no image", func(p *ScenePlan) { p.Scenes[0].ImageRef = "" }, "needs image_ref or text"},
		{"text only", func(p *ScenePlan) { p.Scenes[0] = Scene{Index: 0, Text: "hello"} }, ""},
		{"bad effect", func(p *ScenePlan) { p.Scenes[0].Effects = map[string]string{"spin": "1"} }, "unknown effect"},
		{"bad zoom", func(p *ScenePlan) { p.Scenes[0].Effects = map[string]string{"zoom": "sideways"} }, "zoom"},
		{"long fade", func(p *ScenePlan) { p.Scenes[0].Effects = map[string]string{"fade_out": "5"} }, "exceeds scene duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(&p)
			err := p.Validate(testLimits)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, services.ErrInvalidPlan) {
				t.Fatalf("expected ErrInvalidPlan, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in %v", tt.want, err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := validPlan()
	c := p.Clone()
	c.Scenes[1].Effects["zoom"] = "out"
	c.Scenes[0].DurationSec = 9
	if p.Scenes[1].Effects["zoom"] != "in" || p.Scenes[0].DurationSec != 3 {
		t.Fatal("clone shares state with the original")
	}
}

func TestTotalDuration(t *testing.T) {
	if got := validPlan().TotalDuration(); got != 7 {
		t.Fatalf("TotalDuration = %v", got)
	}
}

func TestLoadJSONResolvesRelativeRefs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.json")
	body := `{"title":" Demo ","watermark":"logo.png","scenes":[{"image_ref":"img/one.png","duration_sec":3,"effects":{"Zoom":"IN"}},{"image_ref":"/abs/two.png","duration_sec":4}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Title != "Demo" || p.Watermark != filepath.Join(dir, "logo.png") {
		t.Fatalf("unexpected header: %+v", p)
	}
	if p.Scenes[0].ImageRef != filepath.Join(dir, "img", "one.png") || p.Scenes[1].ImageRef != "/abs/two.png" {
		t.Fatalf("unexpected refs: %+v", p.Scenes)
	}
	if p.Scenes[1].Index != 1 || p.Scenes[0].Effects["zoom"] != "in" {
		t.Fatalf("normalize not applied: %+v", p.Scenes)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.toml")
	body := "title = \"t\"\n\n[[scenes]]\nimage_ref = \"/x.png\"\nduration_sec = 2.5\n\n[[scenes]]\ntext = \"second\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.Scenes) != 2 || p.Scenes[0].DurationSec != 2.5 || p.Scenes[1].Text != "second" {
		t.Fatalf("unexpected plan: %+v", p)
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.json")
	if err := os.WriteFile(path, []byte(`{"scenes": [{"bogus": 1}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, services.ErrInvalidPlan) {
		t.Fatalf("expected ErrInvalidPlan, got %v", err)
	}
}
