// Package profile loads the bot profile: the YAML document that sets the
// base instructions, the memory blocks seeded into new scopes and the
// context-window limits.
//
// A profile separates what the bot is (instructions, persona blocks) from
// the deployment (tokens, database path), which stays in the environment.
package profile

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kotodama-bot/kotodama/internal/kotodama/memory"
)

// APIVersion is required in every profile document.
const APIVersion = "kotodama/v1"

//go:embed default.yaml
var defaultYAML []byte

// Profile is the root of a profile document.
type Profile struct {
	APIVersion   string `yaml:"apiVersion"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description,omitempty"`
	Instructions string `yaml:"instructions"`

	Window  Window  `yaml:"window,omitempty"`
	Channel Channel `yaml:"channel,omitempty"`
	Loop    Loop    `yaml:"loop,omitempty"`
	Blocks  Blocks  `yaml:"blocks"`

	// Hash is the SHA-256 of the source document, set by Parse.
	Hash string `yaml:"-"`
}

// Window bounds the per-scope context window.
type Window struct {
	// MaxMessages is the buffer length above which a prune runs. 0 means
	// the built-in default.
	MaxMessages int `yaml:"maxMessages,omitempty"`
	// PrunePercentage is the share of the buffer folded into a summary.
	PrunePercentage float64 `yaml:"prunePercentage,omitempty"`
}

// Channel configures incremental channel summarisation.
type Channel struct {
	PageSize int `yaml:"pageSize,omitempty"`
	// Backfill folds ever older history into the summary while nothing new
	// has slid out of the live window.
	Backfill    *bool `yaml:"backfill,omitempty"`
	MaxGapPages int   `yaml:"maxGapPages,omitempty"`
}

// Loop configures the tool-call loop.
type Loop struct {
	MaxRounds int `yaml:"maxRounds,omitempty"`
}

// Blocks holds the default memory blocks for each kind of scope.
type Blocks struct {
	DM    []BlockSpec `yaml:"dm"`
	Guild []BlockSpec `yaml:"guild"`
}

// BlockSpec is one default memory block.
type BlockSpec struct {
	Label       string `yaml:"label"`
	Description string `yaml:"description,omitempty"`
	Value       string `yaml:"value"`
	Limit       int    `yaml:"limit,omitempty"`
	ReadOnly    bool   `yaml:"readOnly,omitempty"`
}

// Default returns the embedded profile.
func Default() *Profile {
	p, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("profile: embedded default is invalid: %v", err))
	}
	return p
}

// Load reads and validates the profile at path. An empty path selects the
// embedded default.
func Load(path string) (*Profile, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a profile document.
func Parse(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile yaml: %w", err)
	}
	if err := Validate(&p); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	h := sha256.Sum256(data)
	p.Hash = hex.EncodeToString(h[:])
	return &p, nil
}

// Validate checks p for structural errors and returns the first one found.
func Validate(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile must not be nil")
	}
	if p.APIVersion != APIVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", APIVersion, p.APIVersion)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.TrimSpace(p.Instructions) == "" {
		return fmt.Errorf("instructions must not be empty")
	}

	if p.Window.MaxMessages < 0 {
		return fmt.Errorf("window.maxMessages must be >= 0")
	}
	if pct := p.Window.PrunePercentage; pct < 0 || pct >= 1 {
		return fmt.Errorf("window.prunePercentage %.2f is outside [0, 1)", pct)
	}
	if p.Channel.PageSize < 0 || p.Channel.PageSize > 100 {
		return fmt.Errorf("channel.pageSize must be between 0 and 100")
	}
	if p.Channel.MaxGapPages < 0 {
		return fmt.Errorf("channel.maxGapPages must be >= 0")
	}
	if p.Loop.MaxRounds < 0 {
		return fmt.Errorf("loop.maxRounds must be >= 0")
	}

	if err := validateBlocks(p.Blocks.DM); err != nil {
		return fmt.Errorf("blocks.dm: %w", err)
	}
	if err := validateBlocks(p.Blocks.Guild); err != nil {
		return fmt.Errorf("blocks.guild: %w", err)
	}
	return nil
}

func validateBlocks(specs []BlockSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for i, b := range specs {
		label := strings.TrimSpace(b.Label)
		if label == "" {
			return fmt.Errorf("[%d]: label must not be empty", i)
		}
		if label != b.Label || strings.ContainsAny(label, "<>/ \t\n") {
			return fmt.Errorf("[%d]: label %q must be a single word without markup characters", i, b.Label)
		}
		if _, dup := seen[label]; dup {
			return fmt.Errorf("[%d]: duplicate label %q", i, label)
		}
		seen[label] = struct{}{}
		if b.Limit < 0 {
			return fmt.Errorf("[%d] (%q): limit must be >= 0", i, label)
		}
	}
	return nil
}

// DefaultBlocks returns the blocks seeded into a new scope, stamped with now.
// Direct-message scopes get the dm set, everything else the guild set.
func (p *Profile) DefaultBlocks(direct bool, now time.Time) []memory.Block {
	specs := p.Blocks.Guild
	if direct {
		specs = p.Blocks.DM
	}
	out := make([]memory.Block, 0, len(specs))
	for _, s := range specs {
		out = append(out, memory.Block{
			Label:       s.Label,
			Description: s.Description,
			Value:       s.Value,
			Limit:       s.Limit,
			ReadOnly:    s.ReadOnly,
			LastUpdated: now,
		})
	}
	return out
}

// BackfillEnabled reports the channel backfill setting, defaulting to true.
func (p *Profile) BackfillEnabled() bool {
	return p.Channel.Backfill == nil || *p.Channel.Backfill
}
