package flow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// LearnParams are the options given on the learn command.
type LearnParams struct {
	Mode  models.Mode
	Scene models.Scene
}

type learnStep int

const (
	learnAwaitKeyword learnStep = iota + 1
	learnAwaitReply
	learnAwaitConfirm
)

// LearnFlow teaches the corpus a new keyword and reply.
type LearnFlow struct {
	deps     *Deps
	userID   string
	platform string
	params   LearnParams
	step     learnStep
	keyword  models.Message
	reply    models.Message
}

// NewLearnFlow creates a learn flow for the sender of ev.
func NewLearnFlow(deps *Deps, ev models.MessageEvent, params LearnParams) *LearnFlow {
	if params.Mode == "" {
		params.Mode = models.ModeExact
	}
	if params.Scene == "" {
		params.Scene = models.SceneAll
	}
	return &LearnFlow{
		deps:     deps,
		userID:   ev.UserID,
		platform: ev.Chat.Platform,
		params:   params,
		step:     learnAwaitKeyword,
	}
}

func (f *LearnFlow) Kind() Kind                    { return KindLearn }
func (f *LearnFlow) Prompt() models.Message        { return say(textLearnPrompt) }
func (f *LearnFlow) QuitNotice() models.Message    { return say(textLearnQuit) }
func (f *LearnFlow) TimeoutNotice() models.Message { return say(textLearnTimeout) }

func (f *LearnFlow) Step(ctx context.Context, ev models.MessageEvent) (Outcome, error) {
	switch f.step {
	case learnAwaitKeyword:
		return f.takeKeyword(ctx, ev.Message)
	case learnAwaitReply:
		return f.takeReply(ev.Message)
	default:
		return f.confirm(ctx, ev.Message)
	}
}

func (f *LearnFlow) takeKeyword(ctx context.Context, msg models.Message) (Outcome, error) {
	if !models.IsValidKeyword(msg) {
		return Outcome{Reply: say(textInvalidKeyword), Done: true},
			&models.ValidationError{Field: "keyword", Allowed: []models.SegmentType{models.SegmentTypeText, models.SegmentTypeFace}}
	}
	serialized, err := msg.Serialize()
	if err != nil {
		return Outcome{Reply: say(textLearnFailed), Done: true}, err
	}
	existing, err := f.deps.Repo.FindActive(ctx, serialized)
	if err != nil {
		return Outcome{Reply: say(textLearnFailed), Done: true}, &models.StorageError{Op: "find keyword", Cause: err}
	}
	if existing != nil {
		slog.Debug("LearnFlow: keyword taken", "user", f.userID, "owner", existing.UserID, "ruleID", existing.ID)
		return Outcome{Reply: say(textKeywordExists), Done: true}, nil
	}
	f.keyword = msg.Clone()
	f.step = learnAwaitReply
	return Outcome{Reply: say(textLearnReplyPrompt)}, nil
}

func (f *LearnFlow) takeReply(msg models.Message) (Outcome, error) {
	if !models.IsValidReply(msg) {
		return Outcome{Reply: say(textInvalidReply), Done: true},
			&models.ValidationError{Field: "reply", Allowed: []models.SegmentType{models.SegmentTypeText, models.SegmentTypeFace, models.SegmentTypeImage}}
	}
	f.reply = msg.Clone()
	f.step = learnAwaitConfirm
	return Outcome{Reply: say(textLearnConfirm)}, nil
}

// confirm commits the rule in two stages: images are staged first, and only a
// fully staged reply is written. A failed download leaves the flow waiting for
// another confirmation.
func (f *LearnFlow) confirm(ctx context.Context, msg models.Message) (Outcome, error) {
	if !isConfirm(msg) {
		return Outcome{Reply: say(textLearnCancelled), Done: true}, nil
	}

	if f.deps.Stager != nil {
		staged, err := f.deps.Stager.Stage(ctx, f.platform, f.reply)
		f.reply = staged
		if err != nil {
			return Outcome{Reply: say(textLearnRetryDownload)}, err
		}
	}

	rule, err := f.deps.Repo.Create(ctx, models.Rule{
		UserID:  f.userID,
		Keyword: f.keyword,
		Reply:   f.reply,
		Mode:    f.params.Mode,
		Scene:   f.params.Scene,
	})
	if errors.Is(err, models.ErrDuplicateKeyword) {
		return Outcome{Reply: say(textKeywordExists), Done: true}, nil
	}
	if err != nil {
		return Outcome{Reply: say(textLearnFailed), Done: true}, &models.StorageError{Op: "create rule", Cause: err}
	}
	slog.Info("LearnFlow: rule learned", "user", f.userID, "ruleID", rule.ID, "mode", rule.Mode, "scene", rule.Scene)

	if err := f.deps.Rules.Reload(ctx); err != nil {
		// The rule is stored; it goes live with the next successful reload.
		slog.Warn("LearnFlow: reload after learn failed", "error", err, "ruleID", rule.ID)
	}
	return Outcome{Reply: say(textLearnSuccess), Done: true}, nil
}
