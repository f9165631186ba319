package provenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/pit/internal/app/prompt"
	"github.com/tutu-network/pit/internal/domain"
)

// ErrManifestMismatch is returned when a client-computed manifest hash does
// not match the server's.
var ErrManifestMismatch = errors.New("manifest hash mismatch")

// CreateInput describes a new agent. Persona fields are resolved to a
// system prompt before hashing.
type CreateInput struct {
	Persona            domain.StructuredPersona `json:"persona" yaml:"persona"`
	PresetID           string                   `json:"presetId,omitempty" yaml:"preset_id,omitempty"`
	Tier               string                   `json:"tier,omitempty" yaml:"tier,omitempty"`
	Model              string                   `json:"model,omitempty" yaml:"model,omitempty"`
	ResponseLength     string                   `json:"responseLength,omitempty" yaml:"response_length,omitempty"`
	ResponseFormat     string                   `json:"responseFormat,omitempty" yaml:"response_format,omitempty"`
	ParentID           string                   `json:"parentId,omitempty" yaml:"parent_id,omitempty"`
	OwnerID            string                   `json:"-" yaml:"-"`
	ClientManifestHash string                   `json:"clientManifestHash,omitempty" yaml:"-"`
}

// AgentService creates agents and records their provenance hashes.
type AgentService struct {
	store domain.AgentStore
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// NewAgentService wires the service to its store.
func NewAgentService(store domain.AgentStore, log *slog.Logger) *AgentService {
	if log == nil {
		log = slog.Default()
	}
	return &AgentService{
		store: store,
		log:   log.With(slog.String("component", "provenance")),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Manifest resolves in to the manifest that would be stored, without an id
// or persisting anything.
func (s *AgentService) Manifest(in CreateInput, agentID string) (domain.AgentManifest, error) {
	name := strings.TrimSpace(in.Persona.Name)
	if name == "" {
		return domain.AgentManifest{}, fmt.Errorf("%w: agent name is required", domain.ErrInvalidRequest)
	}
	systemPrompt, src := prompt.ResolvePersonaPrompt(in.Persona)
	if src == prompt.SourceNone {
		return domain.AgentManifest{}, fmt.Errorf("%w: agent prompt is required", domain.ErrInvalidRequest)
	}
	length, _ := prompt.ResolveLength(in.ResponseLength)
	format, _ := prompt.ResolveFormat(in.ResponseFormat)

	return BuildManifest(ManifestInput{
		AgentID:        agentID,
		Name:           name,
		SystemPrompt:   strings.TrimSpace(systemPrompt),
		PresetID:       in.PresetID,
		Tier:           in.Tier,
		Model:          in.Model,
		ResponseLength: length.ID,
		ResponseFormat: format.ID,
		ParentID:       in.ParentID,
		OwnerID:        in.OwnerID,
	}, s.now()), nil
}

// Create builds the manifest, hashes it and persists the agent.
func (s *AgentService) Create(ctx context.Context, in CreateInput) (domain.AgentRecord, error) {
	m, err := s.Manifest(in, s.newID())
	if err != nil {
		return domain.AgentRecord{}, err
	}
	h, err := HashAll(m)
	if err != nil {
		return domain.AgentRecord{}, fmt.Errorf("hash agent: %w", err)
	}
	if in.ClientManifestHash != "" && in.ClientManifestHash != h.ManifestHash {
		return domain.AgentRecord{}, ErrManifestMismatch
	}

	rec := domain.AgentRecord{
		Manifest:     m,
		PromptHash:   h.PromptHash,
		ManifestHash: h.ManifestHash,
		HashVersion:  h.Version,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.InsertAgent(ctx, rec); err != nil {
		return domain.AgentRecord{}, fmt.Errorf("insert agent: %w", err)
	}
	s.log.Info("agent created",
		slog.String("agent_id", m.AgentID),
		slog.String("prompt_hash", h.PromptHash),
		slog.String("manifest_hash", h.ManifestHash))
	return rec, nil
}

// Get loads a stored agent.
func (s *AgentService) Get(ctx context.Context, agentID string) (domain.AgentRecord, error) {
	return s.store.Agent(ctx, agentID)
}

// Verify recomputes the hashes of a stored agent and reports whether they
// still match what was recorded at creation.
func (s *AgentService) Verify(ctx context.Context, agentID string) (bool, error) {
	rec, err := s.store.Agent(ctx, agentID)
	if err != nil {
		return false, err
	}
	if rec.HashVersion != HashVersion {
		return false, fmt.Errorf("unsupported hash version %q", rec.HashVersion)
	}
	h, err := HashAll(rec.Manifest)
	if err != nil {
		return false, err
	}
	return h.PromptHash == rec.PromptHash && h.ManifestHash == rec.ManifestHash, nil
}
