package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tutu-network/pit/internal/domain"
)

// ─── Bouts ──────────────────────────────────────────────────────────────────

func TestCreateBout_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	b := domain.Bout{ID: "b1", OwnerID: "u1", PresetID: "roast-battle", Topic: "cats", ModelID: domain.ModelHaiku}
	created, _, err := db.CreateBout(ctx, b)
	if err != nil || !created {
		t.Fatalf("CreateBout() = %v, %v", created, err)
	}

	created, existing, err := db.CreateBout(ctx, b)
	if err != nil {
		t.Fatalf("second CreateBout() error: %v", err)
	}
	if created {
		t.Error("second CreateBout() should not create")
	}
	if existing.Status != domain.BoutRunning || existing.Topic != "cats" {
		t.Errorf("existing = %+v", existing)
	}
}

func TestClaimBout_OnlyOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	b := domain.Bout{ID: "b1", OwnerID: "u1", PresetID: "p", ModelID: domain.ModelHaiku}
	claimed, _, err := db.ClaimBout(ctx, b)
	if err != nil || !claimed {
		t.Fatalf("ClaimBout() = %v, %v", claimed, err)
	}
	claimed, existing, err := db.ClaimBout(ctx, b)
	if err != nil {
		t.Fatalf("second ClaimBout() error: %v", err)
	}
	if claimed {
		t.Fatal("second ClaimBout() should not claim a started bout")
	}
	if existing.StartedAt == nil || existing.Status != domain.BoutRunning {
		t.Errorf("existing = %+v", existing)
	}
}

func TestClaimBout_Concurrent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	const n = 10
	results := make(chan bool, n)
	for i := 0; i < n; i++ {
		go func() {
			claimed, _, err := db.ClaimBout(ctx, domain.Bout{ID: "race", OwnerID: "u1", PresetID: "p"})
			if err != nil {
				t.Errorf("ClaimBout() error: %v", err)
			}
			results <- claimed
		}()
	}
	wins := 0
	for i := 0; i < n; i++ {
		if <-results {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("claims = %d, want 1", wins)
	}
}

func TestClaimBout_PrecreatedRow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateBout(ctx, domain.Bout{ID: "pre", PresetID: "p", Topic: "cats"})

	claimed, _, err := db.ClaimBout(ctx, domain.Bout{ID: "pre", OwnerID: "u1", PresetID: "p", Topic: "cats", ModelID: domain.ModelSonnet})
	if err != nil || !claimed {
		t.Fatalf("ClaimBout() = %v, %v", claimed, err)
	}
	b, _ := db.Bout(ctx, "pre")
	if b.OwnerID != "u1" || b.ModelID != domain.ModelSonnet || b.StartedAt == nil {
		t.Errorf("claimed row = %+v", b)
	}
}

func TestClaimBout_OtherOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateBout(ctx, domain.Bout{ID: "owned", OwnerID: "alice", PresetID: "p"})

	claimed, existing, err := db.ClaimBout(ctx, domain.Bout{ID: "owned", OwnerID: "mallory", PresetID: "p"})
	if err != nil {
		t.Fatalf("ClaimBout() error: %v", err)
	}
	if claimed || existing.OwnerID != "alice" {
		t.Errorf("ClaimBout() = %v, owner %q", claimed, existing.OwnerID)
	}
}

func TestClaimBout_ReleaseAndRetryFailed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	b := domain.Bout{ID: "b1", OwnerID: "u1", PresetID: "p"}

	db.ClaimBout(ctx, b)
	if err := db.ReleaseBout(ctx, "b1"); err != nil {
		t.Fatalf("ReleaseBout() error: %v", err)
	}
	if claimed, _, _ := db.ClaimBout(ctx, b); !claimed {
		t.Fatal("released bout should be claimable")
	}

	db.FailBout(ctx, "b1", []domain.Turn{{Turn: 0, AgentID: "a", Text: "hi"}}, domain.Usage{OutputTokens: 3}, "boom")
	claimed, _, err := db.ClaimBout(ctx, b)
	if err != nil || !claimed {
		t.Fatalf("retry of failed bout = %v, %v", claimed, err)
	}
	got, _ := db.Bout(ctx, "b1")
	if got.Status != domain.BoutRunning || got.Error != "" || len(got.Transcript) != 0 || got.Usage.OutputTokens != 0 {
		t.Errorf("retried row = %+v", got)
	}

	db.CompleteBout(ctx, "b1", nil, "", domain.Usage{})
	if claimed, _, _ := db.ClaimBout(ctx, b); claimed {
		t.Error("completed bout must not be claimed")
	}
}

func TestSetBoutModel(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.ClaimBout(ctx, domain.Bout{ID: "b1", PresetID: "p", ModelID: domain.PromotionModel})

	if err := db.SetBoutModel(ctx, "b1", domain.ModelHaiku); err != nil {
		t.Fatalf("SetBoutModel() error: %v", err)
	}
	if b, _ := db.Bout(ctx, "b1"); b.ModelID != domain.ModelHaiku {
		t.Errorf("model = %q", b.ModelID)
	}
	if err := db.SetBoutModel(ctx, "missing", domain.ModelHaiku); !errors.Is(err, domain.ErrBoutNotFound) {
		t.Errorf("SetBoutModel(missing) = %v", err)
	}
}

func TestCompleteBout_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateBout(ctx, domain.Bout{ID: "b1", PresetID: "p"})

	transcript := []domain.Turn{
		{Turn: 0, AgentID: "a", AgentName: "Alice", Text: "hi"},
		{Turn: 1, AgentID: "b", AgentName: "Bob", Text: "hello"},
	}
	if err := db.CompleteBout(ctx, "b1", transcript, "a fine line", domain.Usage{InputTokens: 10, OutputTokens: 20}); err != nil {
		t.Fatalf("CompleteBout() error: %v", err)
	}

	got, err := db.Bout(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BoutCompleted {
		t.Errorf("Status = %q", got.Status)
	}
	if len(got.Transcript) != 2 || got.Transcript[1].Text != "hello" {
		t.Errorf("Transcript = %+v", got.Transcript)
	}
	if got.ShareLine != "a fine line" {
		t.Errorf("ShareLine = %q", got.ShareLine)
	}
	if got.Usage.OutputTokens != 20 {
		t.Errorf("OutputTokens = %d", got.Usage.OutputTokens)
	}
}

func TestFailBout(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.CreateBout(ctx, domain.Bout{ID: "b1", PresetID: "p"})

	if err := db.FailBout(ctx, "b1", nil, domain.Usage{}, "timeout"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.Bout(ctx, "b1")
	if got.Status != domain.BoutFailed || got.Error != "timeout" {
		t.Errorf("bout = %+v", got)
	}
	if got.Transcript == nil {
		t.Error("transcript should decode to empty slice")
	}
}

func TestBout_NotFound(t *testing.T) {
	db := newTestDB(t)
	if _, err := db.Bout(context.Background(), "nope"); !errors.Is(err, domain.ErrBoutNotFound) {
		t.Errorf("error = %v, want ErrBoutNotFound", err)
	}
	if err := db.CompleteBout(context.Background(), "nope", nil, "", domain.Usage{}); !errors.Is(err, domain.ErrBoutNotFound) {
		t.Errorf("CompleteBout error = %v, want ErrBoutNotFound", err)
	}
}

// ─── Tiers ──────────────────────────────────────────────────────────────────

func TestUserTier_DefaultsToFree(t *testing.T) {
	db := newTestDB(t)
	tier, used, err := db.UserTier(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if tier != domain.TierFree || used {
		t.Errorf("UserTier() = %q, %v", tier, used)
	}
}

func TestSetUserTier_Upsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.SetUserTier(ctx, "u1", domain.TierPass)
	db.SetUserTier(ctx, "u1", domain.TierLab)

	tier, _, err := db.UserTier(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if tier != domain.TierLab {
		t.Errorf("tier = %q, want lab", tier)
	}
}

func TestClaimFreeBoutPromotion_Once(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.ClaimFreeBoutPromotion(ctx, "u1")
	if err != nil || !first {
		t.Fatalf("first claim = %v, %v", first, err)
	}
	second, err := db.ClaimFreeBoutPromotion(ctx, "u1")
	if err != nil || second {
		t.Fatalf("second claim = %v, %v", second, err)
	}
	_, used, _ := db.UserTier(ctx, "u1")
	if !used {
		t.Error("promotion_used should be set")
	}
}

func TestCountBoutsSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	yesterday := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	today := yesterday.Add(2 * time.Hour)

	db.SetClock(func() time.Time { return yesterday })
	db.CreateBout(ctx, domain.Bout{ID: "old", OwnerID: "u1", PresetID: "p"})
	db.SetClock(func() time.Time { return today })
	db.CreateBout(ctx, domain.Bout{ID: "new1", OwnerID: "u1", PresetID: "p"})
	db.CreateBout(ctx, domain.Bout{ID: "new2", OwnerID: "u1", PresetID: "p"})
	db.CreateBout(ctx, domain.Bout{ID: "other", OwnerID: "u2", PresetID: "p"})

	midnight := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	n, err := db.CountBoutsSince(ctx, "u1", midnight)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountBoutsSince() = %d, want 2", n)
	}
}

// ─── Free Pool ──────────────────────────────────────────────────────────────

func TestFreePool_ConsumeUntilExhausted(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := db.ConsumeFreeBout(ctx, "2026-03-02", 3, 1_000_000, 100)
		if err != nil || !ok {
			t.Fatalf("consume %d = %v, %v", i, ok, err)
		}
	}
	ok, err := db.ConsumeFreeBout(ctx, "2026-03-02", 3, 1_000_000, 100)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("fourth consume should fail")
	}

	used, spend, _ := db.FreePoolStatus(ctx, "2026-03-02")
	if used != 3 || spend != 300 {
		t.Errorf("status = %d used, %d spend", used, spend)
	}
}

func TestFreePool_SpendCap(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	ok, _ := db.ConsumeFreeBout(ctx, "d", 100, 150, 100)
	if !ok {
		t.Fatal("first consume should fit under cap")
	}
	ok, _ = db.ConsumeFreeBout(ctx, "d", 100, 150, 100)
	if ok {
		t.Error("second consume should exceed spend cap")
	}
}

func TestFreePool_RefundAndSettle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.ConsumeFreeBout(ctx, "d", 10, 10_000, 500)
	db.SettleFreeBoutSpend(ctx, "d", -200)
	used, spend, _ := db.FreePoolStatus(ctx, "d")
	if used != 1 || spend != 300 {
		t.Errorf("after settle: used=%d spend=%d", used, spend)
	}

	db.RefundFreeBout(ctx, "d", 500)
	used, spend, _ = db.FreePoolStatus(ctx, "d")
	if used != 0 || spend != 0 {
		t.Errorf("after refund: used=%d spend=%d, want clamped zeros", used, spend)
	}
}

// ─── Agents ─────────────────────────────────────────────────────────────────

func TestInsertAgent_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	model := domain.ModelSonnet
	rec := domain.AgentRecord{
		Manifest: domain.AgentManifest{
			AgentID:        "agent-1",
			Name:           "Socrates",
			SystemPrompt:   "Ask questions.",
			Tier:           "custom",
			Model:          &model,
			ResponseLength: "standard",
			ResponseFormat: "plain",
			CreatedAt:      "2026-03-02T00:00:00.000Z",
		},
		PromptHash:   "0xabc",
		ManifestHash: "0xdef",
		HashVersion:  "v1",
		CreatedAt:    time.Now(),
	}
	if err := db.InsertAgent(ctx, rec); err != nil {
		t.Fatalf("InsertAgent() error: %v", err)
	}

	got, err := db.Agent(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Manifest.Model == nil || *got.Manifest.Model != model {
		t.Errorf("Model = %v", got.Manifest.Model)
	}
	if got.Manifest.PresetID != nil || got.Manifest.ParentID != nil {
		t.Error("nullable fields should round-trip as nil")
	}
	if got.ManifestHash != "0xdef" {
		t.Errorf("ManifestHash = %q", got.ManifestHash)
	}

	if _, err := db.Agent(ctx, "missing"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("error = %v, want ErrAgentNotFound", err)
	}
}

func TestCountAgentsByOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	owner := "user-1"
	for i, o := range []*string{&owner, &owner, nil} {
		rec := domain.AgentRecord{
			Manifest: domain.AgentManifest{
				AgentID:   fmt.Sprintf("agent-%d", i),
				Name:      "A",
				OwnerID:   o,
				CreatedAt: "2026-03-02T00:00:00.000Z",
			},
			HashVersion: "v1",
			CreatedAt:   time.Now(),
		}
		if err := db.InsertAgent(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err := db.CountAgentsByOwner(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("CountAgentsByOwner() = %d, want 2", n)
	}
}
