package bout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tutu-network/pit/internal/app/prompt"
	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
)

// Result is the outcome of a completed bout.
type Result struct {
	BoutID     string        `json:"boutId"`
	Transcript []domain.Turn `json:"transcript"`
	ShareLine  string        `json:"shareLine,omitempty"`
	Usage      domain.Usage  `json:"usage"`
	CostMicro  int64         `json:"costMicro"`
}

// Run executes a prepared bout, streaming events to sink. Reservations made
// by Prepare are always settled: against actual usage on success, and with
// a refund of the unused preauthorization on failure. A failed bout returns
// a classified *Error after the error event has been emitted.
func (e *Engine) Run(ctx context.Context, bc *domain.BoutContext, sink domain.EventSink) (Result, error) {
	if sink == nil {
		sink = domain.EventSinkFunc(func(domain.Event) {})
	}
	log := e.log.With(
		slog.String("request_id", bc.RequestID),
		slog.String("bout_id", bc.BoutID))

	ctx, span := e.tracer.StartSpan(ctx, "bout.run", map[string]string{
		"bout_id":   bc.BoutID,
		"preset_id": bc.PresetID,
		"model_id":  bc.ModelID,
	})

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		err := e.fail(ctx, bc, nil, domain.Usage{}, ctx.Err(), sink, log)
		e.tracer.EndSpan(span, err)
		return Result{}, err
	}
	defer func() { <-e.sem }()

	start := e.now()
	observability.BoutsStarted.Inc()
	observability.ActiveBouts.Inc()
	defer func() {
		observability.ActiveBouts.Dec()
		observability.BoutDuration.Observe(e.now().Sub(start).Seconds())
	}()

	log.Info("bout started",
		slog.String("preset_id", bc.PresetID),
		slog.String("model_id", bc.ModelID),
		slog.Int("max_turns", bc.Preset.MaxTurns),
		slog.Bool("byok", bc.Byok != nil),
		slog.Bool("research", bc.Research))

	transcript, usage, err := e.turns(ctx, bc, sink, log)
	if err != nil {
		ferr := e.fail(ctx, bc, transcript, usage, err, sink, log)
		e.tracer.EndSpan(span, ferr)
		return Result{}, ferr
	}

	shareLine := e.shareLine(ctx, transcript, log)
	if err := e.bouts.CompleteBout(context.WithoutCancel(ctx), bc.BoutID, transcript, shareLine, usage); err != nil {
		ferr := e.fail(ctx, bc, transcript, usage, fmt.Errorf("persist bout: %w", err), sink, log)
		e.tracer.EndSpan(span, ferr)
		return Result{}, ferr
	}
	if shareLine != "" {
		sink.Emit(domain.Event{Type: domain.EventShareLine, Data: map[string]string{"text": shareLine}})
	}

	cost := e.settle(ctx, bc, usage, log)
	observability.BoutsFinished.WithLabelValues(string(domain.BoutCompleted)).Inc()
	span.SetAttr("turns", strconv.Itoa(len(transcript)))
	e.tracer.EndSpan(span, nil)

	log.Info("bout completed",
		slog.Int("turns", len(transcript)),
		slog.Int64("input_tokens", usage.InputTokens),
		slog.Int64("output_tokens", usage.OutputTokens),
		slog.Int64("cost_micro", cost),
		slog.Duration("elapsed", e.now().Sub(start)))

	return Result{
		BoutID:     bc.BoutID,
		Transcript: transcript,
		ShareLine:  shareLine,
		Usage:      usage,
		CostMicro:  cost,
	}, nil
}

// ─── Turn Loop ──────────────────────────────────────────────────────────────

// turns runs every turn in order. On error it returns the transcript and
// usage accumulated so far.
func (e *Engine) turns(ctx context.Context, bc *domain.BoutContext, sink domain.EventSink, log *slog.Logger) ([]domain.Turn, domain.Usage, error) {
	agents := bc.Preset.Agents
	if len(agents) == 0 {
		return nil, domain.Usage{}, fmt.Errorf("%w: preset %s has no agents", domain.ErrInvalidRequest, bc.PresetID)
	}

	var (
		transcript = make([]domain.Turn, 0, bc.Preset.MaxTurns)
		history    = make([]string, 0, bc.Preset.MaxTurns)
		usage      domain.Usage
	)
	sink.Emit(domain.Event{Type: domain.EventStart, MessageID: bc.BoutID})

	for i := 0; i < bc.Preset.MaxTurns; i++ {
		if err := ctx.Err(); err != nil {
			return transcript, usage, err
		}

		agentIndex := i % len(agents)
		scripted, isScripted := bc.ScriptedTurns[i]
		if isScripted && scripted.AgentIndex >= 0 && scripted.AgentIndex < len(agents) {
			agentIndex = scripted.AgentIndex
		}
		agent := agents[agentIndex]
		color := agent.Color
		if color == "" {
			color = domain.DefaultAgentColor
		}

		turnID := fmt.Sprintf("%s-%d-%s", bc.BoutID, i, agent.ID)
		sink.Emit(domain.Event{Type: domain.EventTurn, Data: domain.TurnInfo{
			Turn:      i,
			AgentID:   agent.ID,
			AgentName: agent.Name,
			Color:     color,
		}})
		sink.Emit(domain.Event{Type: domain.EventTextStart, ID: turnID})

		var text string
		if isScripted {
			text = scripted.Content
			sink.Emit(domain.Event{Type: domain.EventTextDelta, ID: turnID, Delta: text})
			observability.TurnLatency.WithLabelValues("scripted").Observe(0)
		} else {
			var (
				turnUsage domain.Usage
				err       error
			)
			text, turnUsage, err = e.turn(ctx, bc, i, agentIndex, history, turnID, sink, log)
			usage.Add(turnUsage)
			if err != nil {
				return transcript, usage, err
			}
		}

		sink.Emit(domain.Event{Type: domain.EventTextEnd, ID: turnID})
		transcript = append(transcript, domain.Turn{
			Turn:      i,
			AgentID:   agent.ID,
			AgentName: agent.Name,
			Text:      text,
		})
		history = append(history, agent.Name+": "+text)
	}
	return transcript, usage, nil
}

// turn generates one agent utterance. Usage is returned even on error so a
// partially streamed turn is still paid for.
func (e *Engine) turn(ctx context.Context, bc *domain.BoutContext, i, agentIndex int, history []string, turnID string, sink domain.EventSink, log *slog.Logger) (string, domain.Usage, error) {
	agent := bc.Preset.Agents[agentIndex]
	ctx, span := e.tracer.StartSpan(ctx, "bout.turn", map[string]string{
		"turn":     strconv.Itoa(i),
		"agent_id": agent.ID,
	})

	var injection string
	if bc.PromptHook != nil {
		if content, ok := bc.PromptHook(domain.HookContext{Turn: i, AgentIndex: agentIndex, AgentName: agent.Name}); ok {
			injection = content
		}
	}
	system := prompt.BuildSystemMessage(prompt.SystemParts{
		Safety:    prompt.SafetyPreamble,
		Persona:   agent.SystemPrompt,
		Format:    bc.Format.Instruction,
		Injection: injection,
	})

	parts := prompt.UserParts{
		Topic:       bc.Topic,
		LengthLabel: bc.Length.Label,
		LengthHint:  bc.Length.Hint,
		FormatLabel: bc.Format.Label,
		FormatHint:  bc.Format.Hint,
		AgentName:   agent.Name,
	}
	budget := domain.InputTokenBudget(bc.EffectiveModelID())

	if len(history) > 0 {
		overhead := prompt.BuildUserMessage(parts)
		tr := prompt.TruncateHistory(history, system, overhead, budget)
		if tr.TurnsDropped > 0 {
			observability.TurnsTruncated.Inc()
			log.Warn("history truncated",
				slog.Int("turn", i),
				slog.Int("turns_dropped", tr.TurnsDropped),
				slog.Int("budget", budget))
		}
		parts.History = tr.History
	} else {
		parts.Opening = true
	}
	user := prompt.BuildUserMessage(parts)

	estimated := prompt.EstimateTokens(system) + prompt.EstimateTokens(user)
	if estimated > budget {
		err := fmt.Errorf("%w (%d estimated tokens > %d budget)", domain.ErrPromptTooLarge, estimated, budget)
		e.tracer.EndSpan(span, err)
		return "", domain.Usage{}, err
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	defer cancel()

	var (
		streamed     strings.Builder
		outputTokens int
	)
	started := e.now()
	res, err := e.provider.Generate(tctx, domain.GenerateRequest{
		ModelID:         bc.ModelID,
		System:          system,
		User:            user,
		MaxOutputTokens: bc.Length.MaxOutputTokens,
		Byok:            bc.Byok,
	}, func(delta string) {
		streamed.WriteString(delta)
		outputTokens += prompt.EstimateTokens(delta)
		sink.Emit(domain.Event{Type: domain.EventTextDelta, ID: turnID, Delta: delta})
	})
	observability.TurnLatency.WithLabelValues("model").Observe(e.now().Sub(started).Seconds())

	if err != nil {
		var u domain.Usage
		if streamed.Len() > 0 {
			u = domain.Usage{InputTokens: int64(estimated), OutputTokens: int64(outputTokens)}
		}
		e.tracer.EndSpan(span, err)
		return streamed.String(), u, fmt.Errorf("turn %d: %w", i, err)
	}

	text := res.Text
	if text == "" {
		text = streamed.String()
	}
	usage := res.Usage
	if !res.UsageReported {
		usage = domain.Usage{InputTokens: int64(estimated), OutputTokens: int64(outputTokens)}
	}
	observability.Tokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	observability.Tokens.WithLabelValues("output").Add(float64(usage.OutputTokens))

	if marker, ok := prompt.DetectRefusal(text); ok {
		observability.Refusals.WithLabelValues(bc.PresetID).Inc()
		log.Warn("agent refusal detected",
			slog.Int("turn", i),
			slog.String("agent_id", agent.ID),
			slog.String("marker", marker))
	}

	span.SetAttr("input_tokens", strconv.FormatInt(usage.InputTokens, 10))
	span.SetAttr("output_tokens", strconv.FormatInt(usage.OutputTokens, 10))
	e.tracer.EndSpan(span, nil)
	return text, usage, nil
}

// shareLine asks the platform model for a one-line summary. Failures are
// logged and yield an empty line.
func (e *Engine) shareLine(ctx context.Context, transcript []domain.Turn, log *slog.Logger) string {
	if !e.cfg.ShareLine || len(transcript) == 0 {
		return ""
	}
	sctx, cancel := context.WithTimeout(ctx, e.cfg.ShareTimeout)
	defer cancel()

	res, err := e.provider.Generate(sctx, domain.GenerateRequest{
		ModelID:         e.cfg.ShareLineModel,
		User:            prompt.BuildSharePrompt(transcript),
		MaxOutputTokens: prompt.ShareLineMaxTokens,
	}, func(string) {})
	if err != nil {
		log.Warn("share line generation failed", slog.String("error", err.Error()))
		return ""
	}
	return prompt.CleanShareLine(res.Text)
}

// ─── Settlement ─────────────────────────────────────────────────────────────

// charged reports whether Prepare preauthorized credits for bc.
func (e *Engine) charged(bc *domain.BoutContext) bool {
	return e.ledger.Enabled() && bc.UserID != "" && !bc.Research && bc.PreauthMicro > 0
}

// settle reconciles a completed bout: the user pays actual cost and the
// free pool records actual spend. It returns the actual cost.
func (e *Engine) settle(ctx context.Context, bc *domain.BoutContext, usage domain.Usage, log *slog.Logger) int64 {
	ctx = context.WithoutCancel(ctx)
	actual := e.ledger.Pricing().ComputeCostMicro(usage, bc.ModelID)

	if e.charged(bc) {
		if delta := actual - bc.PreauthMicro; delta != 0 {
			if _, err := e.ledger.Settle(ctx, bc.UserID, delta, domain.TxSettlement, bc.BoutID, map[string]any{
				"boutId":       bc.BoutID,
				"modelId":      bc.ModelID,
				"inputTokens":  usage.InputTokens,
				"outputTokens": usage.OutputTokens,
				"preauthMicro": bc.PreauthMicro,
				"actualMicro":  actual,
			}); err != nil {
				log.Error("settle bout", slog.String("error", err.Error()))
			}
		}
	}
	e.settlePool(ctx, bc, actual, log)
	return actual
}

func (e *Engine) settlePool(ctx context.Context, bc *domain.BoutContext, actual int64, log *slog.Logger) {
	if bc.FreePoolDay == "" {
		return
	}
	if err := e.pool.SettleSpend(ctx, bc.FreePoolDay, actual-bc.EstimateMicro); err != nil {
		log.Error("settle free pool spend", slog.String("error", err.Error()))
	}
}

// fail records a failed bout, refunds the unused preauthorization, emits
// the error event and returns the classified error.
func (e *Engine) fail(ctx context.Context, bc *domain.BoutContext, transcript []domain.Turn, usage domain.Usage, cause error, sink domain.EventSink, log *slog.Logger) *Error {
	ferr := failure(cause)
	ctx = context.WithoutCancel(ctx)

	log.Error("bout failed",
		slog.String("class", ferr.Reason),
		slog.Int("turns", len(transcript)),
		slog.String("error", cause.Error()))

	if err := e.bouts.FailBout(ctx, bc.BoutID, transcript, usage, cause.Error()); err != nil {
		log.Error("persist failed bout", slog.String("error", err.Error()))
	}

	actual := e.ledger.Pricing().ComputeCostMicro(usage, bc.ModelID)
	if e.charged(bc) {
		if refund := bc.PreauthMicro - actual; refund > 0 {
			if _, err := e.ledger.Settle(ctx, bc.UserID, -refund, domain.TxSettlementError, bc.BoutID, map[string]any{
				"boutId":       bc.BoutID,
				"reason":       ferr.Reason,
				"preauthMicro": bc.PreauthMicro,
				"actualMicro":  actual,
			}); err != nil {
				log.Error("refund failed bout", slog.String("error", err.Error()))
			}
		}
	}
	e.settlePool(ctx, bc, actual, log)

	observability.BoutsFinished.WithLabelValues(string(domain.BoutFailed)).Inc()
	sink.Emit(domain.Event{Type: domain.EventError, ErrorText: ferr.Message})
	return ferr
}

// AsError extracts the *Error carried by err.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
