// Package presets loads debate presets from YAML.
//
// Built-in presets are compiled into the binary. An optional directory of
// *.yaml / *.yml files is layered on top; a file may hold one preset, a
// list of presets, or several YAML documents. Reload re-reads the
// directory and swaps the catalog atomically.
package presets

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tutu-network/pit/internal/domain"
)

//go:embed builtin.yaml
var builtinYAML []byte

const (
	MinAgents = 2
	MaxAgents = 6

	// defaultMaxTurns applies when a preset omits max_turns.
	defaultMaxTurns = 12
	maxTurnsLimit   = 24

	// MaxArenaTurns caps caller-supplied lineups.
	MaxArenaTurns = 12
)

// agentColors are assigned to agents without a color, by position.
var agentColors = []string{
	"#00D4FF", "#FF4444", "#FFD700", "#32CD32", "#FF69B4", "#9370DB",
}

// Catalog implements domain.PresetCatalog.
type Catalog struct {
	mu      sync.RWMutex
	dir     string
	byID    map[string]domain.Preset
	ordered []string
	log     *slog.Logger
}

var _ domain.PresetCatalog = (*Catalog)(nil)

// New creates a catalog and performs the first load. dir may be empty.
func New(dir string, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &Catalog{dir: dir, log: log.With(slog.String("component", "presets"))}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads built-ins and the preset directory. On error the
// previous catalog stays in place.
func (c *Catalog) Reload() error {
	all, err := Parse(builtinYAML)
	if err != nil {
		return fmt.Errorf("builtin presets: %w", err)
	}
	if c.dir != "" {
		fromDir, err := loadDir(c.dir)
		if err != nil {
			return err
		}
		all = append(all, fromDir...)
	}

	byID := make(map[string]domain.Preset, len(all))
	var ordered []string
	for _, p := range all {
		if _, seen := byID[p.ID]; !seen {
			ordered = append(ordered, p.ID)
		}
		byID[p.ID] = p
	}

	c.mu.Lock()
	c.byID = byID
	c.ordered = ordered
	c.mu.Unlock()

	c.log.Info("presets loaded", slog.Int("count", len(ordered)), slog.String("dir", c.dir))
	return nil
}

// Preset returns the preset with id.
func (c *Catalog) Preset(id string) (domain.Preset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

// List returns every preset in load order.
func (c *Catalog) List() []domain.Preset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Preset, 0, len(c.ordered))
	for _, id := range c.ordered {
		out = append(out, c.byID[id])
	}
	return out
}

// ─── Parsing ────────────────────────────────────────────────────────────────

func loadDir(dir string) ([]domain.Preset, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preset dir: %w", err)
	}

	var out []domain.Preset
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		ps, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		out = append(out, ps...)
	}
	return out, nil
}

// Parse decodes every preset in data and normalizes it.
func Parse(data []byte) ([]domain.Preset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []domain.Preset
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode preset yaml: %w", err)
		}

		var batch []domain.Preset
		doc := &node
		if len(node.Content) == 1 {
			doc = node.Content[0]
		}
		switch doc.Kind {
		case yaml.SequenceNode:
			err = doc.Decode(&batch)
		case yaml.MappingNode:
			var p domain.Preset
			err = doc.Decode(&p)
			batch = []domain.Preset{p}
		default:
			err = errors.New("preset document must be a mapping or a list")
		}
		if err != nil {
			return nil, err
		}

		for _, p := range batch {
			np, err := Normalize(p)
			if err != nil {
				return nil, err
			}
			out = append(out, np)
		}
	}
	return out, nil
}

// Normalize validates a preset and fills defaults.
func Normalize(p domain.Preset) (domain.Preset, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return p, errors.New("preset id is required")
	}
	if p.ID == domain.ArenaPresetID {
		return p, fmt.Errorf("preset id %q is reserved", p.ID)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	switch p.Tier {
	case "":
		p.Tier = domain.PresetFree
	case domain.PresetFree, domain.PresetPremium:
	default:
		return p, fmt.Errorf("preset %s: unknown tier %q", p.ID, p.Tier)
	}
	if p.MaxTurns == 0 {
		p.MaxTurns = defaultMaxTurns
	}
	if p.MaxTurns < 1 || p.MaxTurns > maxTurnsLimit {
		return p, fmt.Errorf("preset %s: max_turns must be between 1 and %d", p.ID, maxTurnsLimit)
	}
	agents, err := normalizeAgents(p.Agents)
	if err != nil {
		return p, fmt.Errorf("preset %s: %w", p.ID, err)
	}
	p.Agents = agents
	return p, nil
}

func normalizeAgents(in []domain.Agent) ([]domain.Agent, error) {
	if len(in) < MinAgents || len(in) > MaxAgents {
		return nil, fmt.Errorf("needs %d to %d agents, got %d", MinAgents, MaxAgents, len(in))
	}
	out := make([]domain.Agent, len(in))
	var seen []string
	for i, a := range in {
		a.Name = strings.TrimSpace(a.Name)
		a.SystemPrompt = strings.TrimSpace(a.SystemPrompt)
		if a.Name == "" || a.SystemPrompt == "" {
			return nil, fmt.Errorf("agent %d needs a name and a system prompt", i)
		}
		if a.ID == "" {
			a.ID = fmt.Sprintf("agent-%d", i+1)
		}
		if slices.Contains(seen, a.ID) {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen = append(seen, a.ID)
		if a.Color == "" {
			a.Color = agentColors[i%len(agentColors)]
		}
		out[i] = a
	}
	return out, nil
}

// Arena builds a preset from a caller-supplied lineup. maxTurns of zero
// means the arena default.
func Arena(agents []domain.Agent, maxTurns int) (domain.Preset, error) {
	if maxTurns == 0 {
		maxTurns = domain.DefaultArenaTurns
	}
	if maxTurns < 1 || maxTurns > MaxArenaTurns {
		return domain.Preset{}, fmt.Errorf("arena maxTurns must be between 1 and %d", MaxArenaTurns)
	}
	normalized, err := normalizeAgents(agents)
	if err != nil {
		return domain.Preset{}, fmt.Errorf("arena lineup %w", err)
	}
	return domain.Preset{
		ID:       domain.ArenaPresetID,
		Name:     "Arena",
		Agents:   normalized,
		MaxTurns: maxTurns,
		Tier:     domain.PresetPremium,
	}, nil
}
