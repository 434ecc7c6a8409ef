package council

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/store"
	"github.com/agentctl/agentctl/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Stage names, normalised to the stage_* convention.
const (
	StageAnalysis   = "stage_analysis"
	StageDiscussion = "stage_discussion"
	StageVerify     = "stage_verify"
)

// LLMCaller is the capability the daemon hands the council for talking to a
// member's model. Implementations live outside the core.
type LLMCaller interface {
	Call(ctx context.Context, member, prompt string) (string, error)
}

// StreamingCaller is an LLMCaller that can deliver incremental chunks.
type StreamingCaller interface {
	LLMCaller
	CallStream(ctx context.Context, member, prompt string, onChunk func(chunk string)) (string, error)
}

// Config are the council knobs. Timeouts apply per stage.
type Config struct {
	Members           []string
	Rounds            int
	AnalysisTimeout   time.Duration
	DiscussionTimeout time.Duration
	VerifyTimeout     time.Duration
}

// Orchestrator runs multi-account deliberations: parallel analyses, a
// round-robin discussion, and a verification pass, all persisted and
// mirrored onto the event bus.
type Orchestrator struct {
	cfg    Config
	store  *store.CouncilStore
	bus    *events.Bus
	caller LLMCaller
}

// New builds an orchestrator. Zero timeouts get the defaults: 180 s for
// analysis and verification, 90 s for discussion rounds.
func New(cfg Config, st *store.CouncilStore, bus *events.Bus, caller LLMCaller) *Orchestrator {
	if cfg.AnalysisTimeout <= 0 {
		cfg.AnalysisTimeout = 180 * time.Second
	}
	if cfg.DiscussionTimeout <= 0 {
		cfg.DiscussionTimeout = 90 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 180 * time.Second
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 1
	}
	return &Orchestrator{cfg: cfg, store: st, bus: bus, caller: caller}
}

// Analyze opens a session and gathers every member's independent take on the
// topic in parallel. A pre-aborted context returns before any side effect.
func (o *Orchestrator) Analyze(ctx context.Context, topic string) (string, []types.CouncilAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, errdefs.Abort("")
	}
	if len(o.cfg.Members) == 0 {
		return "", nil, errdefs.Validationf("council has no members")
	}
	sessionID := uuid.NewString()
	o.emit(events.EventCouncilSessionStarted, sessionID, map[string]any{"topic": topic})
	o.emit(events.EventCouncilStageStarted, sessionID, map[string]any{"stage": StageAnalysis})

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.AnalysisTimeout)
	defer cancel()

	var mu sync.Mutex
	var analyses []types.CouncilAnalysis
	g, gctx := errgroup.WithContext(stageCtx)
	for _, member := range o.cfg.Members {
		g.Go(func() error {
			prompt := "Analyze the following topic independently:\n" + topic
			content, err := o.call(gctx, sessionID, member, prompt)
			if err != nil {
				return err
			}
			saved, err := o.store.SaveAnalysis(gctx, types.CouncilAnalysis{
				SessionID: sessionID,
				Topic:     topic,
				Member:    member,
				Stage:     StageAnalysis,
				Content:   content,
			})
			if err != nil {
				return err
			}
			o.emit(events.EventCouncilMemberResponse, sessionID, map[string]any{
				"member": member, "stage": StageAnalysis,
			})
			mu.Lock()
			analyses = append(analyses, saved)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sessionID, nil, o.stageErr(sessionID, StageAnalysis, err)
	}
	o.emit(events.EventCouncilStageCompleted, sessionID, map[string]any{"stage": StageAnalysis})
	return sessionID, analyses, nil
}

// Discuss runs round-robin discussion rounds within an existing session.
// Each member sees the transcript so far and responds in turn.
func (o *Orchestrator) Discuss(ctx context.Context, sessionID, topic string) ([]types.CouncilAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Abort("")
	}
	o.emit(events.EventCouncilStageStarted, sessionID, map[string]any{"stage": StageDiscussion})

	var transcript strings.Builder
	prior, err := o.store.Analyses(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, a := range prior {
		transcript.WriteString(a.Member + ": " + a.Content + "\n")
	}

	var out []types.CouncilAnalysis
	for round := 1; round <= o.cfg.Rounds; round++ {
		roundCtx, cancel := context.WithTimeout(ctx, o.cfg.DiscussionTimeout)
		for _, member := range o.cfg.Members {
			if roundCtx.Err() != nil {
				cancel()
				return out, o.stageErr(sessionID, StageDiscussion, roundCtx.Err())
			}
			prompt := "Topic: " + topic + "\nDiscussion so far:\n" + transcript.String() +
				"\nRespond to your peers."
			content, err := o.call(roundCtx, sessionID, member, prompt)
			if err != nil {
				cancel()
				return out, o.stageErr(sessionID, StageDiscussion, err)
			}
			saved, err := o.store.SaveAnalysis(roundCtx, types.CouncilAnalysis{
				SessionID: sessionID,
				Topic:     topic,
				Member:    member,
				Stage:     StageDiscussion,
				Content:   content,
			})
			if err != nil {
				cancel()
				return out, err
			}
			o.emit(events.EventCouncilMemberResponse, sessionID, map[string]any{
				"member": member, "stage": StageDiscussion, "round": round,
			})
			transcript.WriteString(member + ": " + content + "\n")
			out = append(out, saved)
		}
		cancel()
	}
	o.emit(events.EventCouncilStageCompleted, sessionID, map[string]any{"stage": StageDiscussion})
	return out, nil
}

// Verify asks the first member to judge each criterion against the session's
// transcript. A response beginning with "PASS" passes; anything else fails.
func (o *Orchestrator) Verify(ctx context.Context, sessionID string, criteria []string) ([]types.CouncilVerification, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Abort("")
	}
	if len(criteria) == 0 {
		return nil, errdefs.Validationf("verify needs at least one criterion")
	}
	o.emit(events.EventCouncilStageStarted, sessionID, map[string]any{"stage": StageVerify})
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.VerifyTimeout)
	defer cancel()

	judge := o.cfg.Members[0]
	var out []types.CouncilVerification
	for _, criterion := range criteria {
		if stageCtx.Err() != nil {
			return out, o.stageErr(sessionID, StageVerify, stageCtx.Err())
		}
		prompt := "Answer PASS or FAIL, then explain. Criterion: " + criterion
		content, err := o.call(stageCtx, sessionID, judge, prompt)
		if err != nil {
			return out, o.stageErr(sessionID, StageVerify, err)
		}
		passed := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(content)), "PASS")
		saved, err := o.store.SaveVerification(stageCtx, types.CouncilVerification{
			SessionID: sessionID,
			Criterion: criterion,
			Passed:    passed,
			Detail:    content,
		})
		if err != nil {
			return out, err
		}
		out = append(out, saved)
	}
	o.emit(events.EventCouncilStageCompleted, sessionID, map[string]any{"stage": StageVerify})
	o.emit(events.EventCouncilSessionCompleted, sessionID, nil)
	return out, nil
}

// History returns recent analyses on a topic from the store.
func (o *Orchestrator) History(ctx context.Context, topic string, limit int) ([]types.CouncilAnalysis, error) {
	return o.store.History(ctx, topic, limit)
}

// call invokes the member's model, streaming chunks onto the bus when the
// caller supports it.
func (o *Orchestrator) call(ctx context.Context, sessionID, member, prompt string) (string, error) {
	if sc, ok := o.caller.(StreamingCaller); ok {
		return sc.CallStream(ctx, member, prompt, func(chunk string) {
			o.bus.Emit(events.Event{
				Type:    events.EventAgentStreamChunk,
				Account: member,
				Payload: map[string]any{"session_id": sessionID, "chunk": chunk},
			})
		})
	}
	return o.caller.Call(ctx, member, prompt)
}

func (o *Orchestrator) stageErr(sessionID, stage string, err error) error {
	logger := log.WithComponent("council")
	logger.Warn().
		Str("session_id", sessionID).
		Str("stage", stage).
		Err(err).
		Msg("council stage failed")
	return errdefs.From(err)
}

func (o *Orchestrator) emit(eventType events.EventType, sessionID string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = sessionID
	o.bus.Emit(events.Event{Type: eventType, Payload: payload})
}
