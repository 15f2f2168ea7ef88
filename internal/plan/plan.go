package plan

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flexmc.dev/internal/mc"
)

// Plan is the full description of one migration run: the three world
// roles, the destination, and the knobs for the servers that back
// on-demand chunk generation.
type Plan struct {
	Base   WorldSpec `yaml:"base"`
	Custom WorldSpec `yaml:"custom"`
	Target WorldSpec `yaml:"target"`

	DestDir    string   `yaml:"dest_dir"`
	Dimensions []string `yaml:"dimensions,omitempty"`
	Chunks     []Chunk  `yaml:"chunks,omitempty"`

	Server      ServerSpec `yaml:"server,omitempty"`
	Concurrency int        `yaml:"concurrency"`
	DryRun      bool       `yaml:"dry_run"`
}

// WorldSpec locates one world: a server working directory, the game
// version its chunks are encoded in, and the region directory layout.
type WorldSpec struct {
	Dir     string `yaml:"dir"`
	Version string `yaml:"version"`
	Layout  string `yaml:"layout"`
}

type Chunk struct {
	X int `yaml:"x"`
	Z int `yaml:"z"`
}

// ServerSpec configures the throwaway servers used to generate missing
// base and target chunks.
type ServerSpec struct {
	JavaPath          string   `yaml:"java_path"`
	JarName           string   `yaml:"jar_name"`
	HeapMB            int      `yaml:"heap_mb"`
	ReadyTimeout      Duration `yaml:"ready_timeout"`
	StopGrace         Duration `yaml:"stop_grace"`
	GenerationTimeout Duration `yaml:"generation_timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
}

// Duration accepts yaml strings like "3m" or "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\"")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

func Load(path string) (Plan, error) {
	var p Plan
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("plan.yaml: %w", err)
	}
	p.Normalize()
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("plan.yaml: %w", err)
	}
	return p, nil
}

func (p *Plan) Normalize() {
	if p == nil {
		return
	}
	for _, w := range []*WorldSpec{&p.Base, &p.Custom, &p.Target} {
		if strings.TrimSpace(w.Layout) == "" {
			w.Layout = "vanilla"
		}
	}
	if len(p.Dimensions) == 0 {
		p.Dimensions = []string{"overworld"}
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 4
	}
	if strings.TrimSpace(p.Server.JavaPath) == "" {
		p.Server.JavaPath = "java"
	}
	if strings.TrimSpace(p.Server.JarName) == "" {
		p.Server.JarName = "server.jar"
	}
	if p.Server.HeapMB <= 0 {
		p.Server.HeapMB = 2048
	}
	if p.Server.ReadyTimeout <= 0 {
		p.Server.ReadyTimeout = Duration(3 * time.Minute)
	}
	if p.Server.StopGrace <= 0 {
		p.Server.StopGrace = Duration(30 * time.Second)
	}
	if p.Server.GenerationTimeout <= 0 {
		p.Server.GenerationTimeout = Duration(2 * time.Minute)
	}
	if p.Server.PollInterval <= 0 {
		p.Server.PollInterval = Duration(250 * time.Millisecond)
	}
}

func (p Plan) Validate() error {
	for _, role := range []struct {
		name string
		w    WorldSpec
	}{{"base", p.Base}, {"custom", p.Custom}, {"target", p.Target}} {
		if strings.TrimSpace(role.w.Dir) == "" {
			return fmt.Errorf("%s.dir must not be empty", role.name)
		}
		if strings.TrimSpace(role.w.Version) == "" {
			return fmt.Errorf("%s.version must not be empty", role.name)
		}
		if _, err := mc.ParseLayout(role.w.Layout); err != nil {
			return fmt.Errorf("%s.layout: %w", role.name, err)
		}
	}
	if p.Base.Version != p.Custom.Version {
		return fmt.Errorf("base.version %q and custom.version %q must match", p.Base.Version, p.Custom.Version)
	}
	if strings.TrimSpace(p.DestDir) == "" {
		return fmt.Errorf("dest_dir must not be empty")
	}
	seen := map[string]bool{}
	for _, d := range p.Dimensions {
		if _, err := mc.ParseDimension(d); err != nil {
			return err
		}
		if seen[d] {
			return fmt.Errorf("duplicate dimension: %s", d)
		}
		seen[d] = true
	}
	return nil
}

// DimensionList resolves the configured dimension names. Call after
// Validate.
func (p Plan) DimensionList() []mc.Dimension {
	out := make([]mc.Dimension, 0, len(p.Dimensions))
	for _, d := range p.Dimensions {
		dim, _ := mc.ParseDimension(d)
		out = append(out, dim)
	}
	return out
}

// ChunkList resolves the explicit chunk selection, nil when the plan
// migrates everything the custom world has.
func (p Plan) ChunkList() []mc.ChunkPos {
	if len(p.Chunks) == 0 {
		return nil
	}
	out := make([]mc.ChunkPos, 0, len(p.Chunks))
	for _, c := range p.Chunks {
		out = append(out, mc.ChunkPos{X: c.X, Z: c.Z})
	}
	return out
}

// Source resolves one world role into its engine form.
func resolveWorld(w WorldSpec) (dir string, v mc.Version, l mc.Layout) {
	l, _ = mc.ParseLayout(w.Layout)
	return w.Dir, mc.Version{Name: w.Version, Era: mc.EraForVersion(w.Version)}, l
}

func (p Plan) ResolveBase() (string, mc.Version, mc.Layout)   { return resolveWorld(p.Base) }
func (p Plan) ResolveCustom() (string, mc.Version, mc.Layout) { return resolveWorld(p.Custom) }
func (p Plan) ResolveTarget() (string, mc.Version, mc.Layout) { return resolveWorld(p.Target) }
