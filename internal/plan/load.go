package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"reelforge/internal/services"
)

// Load reads a plan from a .json or .toml file and normalizes it. Relative asset
// references resolve against the plan file's directory.
func Load(path string) (ScenePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ScenePlan{}, services.Wrap(services.ErrInvalidPlan, "plan", "read", path, err)
	}
	var p ScenePlan
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&p)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&p)
	}
	if err != nil {
		return ScenePlan{}, services.Wrap(services.ErrInvalidPlan, "plan", "parse", fmt.Sprintf("decode %s", filepath.Base(path)), err)
	}
	p.Normalize()
	p.resolveRefs(filepath.Dir(path))
	return p, nil
}

func (p *ScenePlan) resolveRefs(base string) {
	resolve := func(ref string) string {
		if ref == "" || filepath.IsAbs(ref) || strings.Contains(ref, "://") {
			return ref
		}
		return filepath.Join(base, ref)
	}
	p.AudioTrack = resolve(p.AudioTrack)
	p.Watermark = resolve(p.Watermark)
	for i := range p.Scenes {
		p.Scenes[i].ImageRef = resolve(p.Scenes[i].ImageRef)
		p.Scenes[i].NarrationRef = resolve(p.Scenes[i].NarrationRef)
	}
}
