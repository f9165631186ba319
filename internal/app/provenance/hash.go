// Package provenance computes deterministic identity hashes for agents.
//
// Each agent carries two hashes: one over its system prompt alone and one
// over the full manifest. Both are SHA-256 over RFC 8785 canonical JSON,
// so key order and whitespace never affect the result.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/tutu-network/pit/internal/domain"
)

// HashVersion identifies the canonicalization scheme. Stored next to every
// hash so a future scheme can coexist with old records.
const HashVersion = "v1"

// createdAtLayout matches JavaScript's Date.toISOString.
const createdAtLayout = "2006-01-02T15:04:05.000Z"

// ─── Canonicalization ───────────────────────────────────────────────────────

func canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// CanonicalizePrompt returns the canonical form {"systemPrompt": ...}.
func CanonicalizePrompt(systemPrompt string) ([]byte, error) {
	return canonicalize(struct {
		SystemPrompt string `json:"systemPrompt"`
	}{systemPrompt})
}

// CanonicalizeManifest returns the canonical JSON of m.
func CanonicalizeManifest(m domain.AgentManifest) ([]byte, error) {
	return canonicalize(m)
}

// ─── Hashing ────────────────────────────────────────────────────────────────

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

// HashPrompt returns the 0x-prefixed SHA-256 of the canonical prompt.
func HashPrompt(systemPrompt string) (string, error) {
	c, err := CanonicalizePrompt(systemPrompt)
	if err != nil {
		return "", err
	}
	return sha256Hex(c), nil
}

// HashManifest returns the 0x-prefixed SHA-256 of the canonical manifest.
func HashManifest(m domain.AgentManifest) (string, error) {
	c, err := CanonicalizeManifest(m)
	if err != nil {
		return "", err
	}
	return sha256Hex(c), nil
}

// Hashes holds both hashes of one manifest.
type Hashes struct {
	PromptHash   string `json:"promptHash"`
	ManifestHash string `json:"manifestHash"`
	Version      string `json:"hashVersion"`
}

// HashAll computes both hashes of m.
func HashAll(m domain.AgentManifest) (Hashes, error) {
	ph, err := HashPrompt(m.SystemPrompt)
	if err != nil {
		return Hashes{}, err
	}
	mh, err := HashManifest(m)
	if err != nil {
		return Hashes{}, err
	}
	return Hashes{PromptHash: ph, ManifestHash: mh, Version: HashVersion}, nil
}

// ─── Manifest ───────────────────────────────────────────────────────────────

// ManifestInput is the caller-supplied part of a manifest. Empty optional
// strings become JSON null.
type ManifestInput struct {
	AgentID        string
	Name           string
	SystemPrompt   string
	PresetID       string
	Tier           string
	Model          string
	ResponseLength string
	ResponseFormat string
	CreatedAt      time.Time
	ParentID       string
	OwnerID        string
}

// BuildManifest fills defaults: tier "custom" and CreatedAt now.
func BuildManifest(in ManifestInput, now time.Time) domain.AgentManifest {
	tier := in.Tier
	if tier == "" {
		tier = "custom"
	}
	created := in.CreatedAt
	if created.IsZero() {
		created = now
	}
	return domain.AgentManifest{
		AgentID:        in.AgentID,
		Name:           in.Name,
		SystemPrompt:   in.SystemPrompt,
		PresetID:       optional(in.PresetID),
		Tier:           tier,
		Model:          optional(in.Model),
		ResponseLength: in.ResponseLength,
		ResponseFormat: in.ResponseFormat,
		CreatedAt:      created.UTC().Format(createdAtLayout),
		ParentID:       optional(in.ParentID),
		OwnerID:        optional(in.OwnerID),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
