package flow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/CorpusPipe/internal/models"
)

type forgetStep int

const (
	forgetAwaitKeyword forgetStep = iota + 1
	forgetAwaitConfirm
)

// ForgetFlow soft-deletes a learned rule.
type ForgetFlow struct {
	deps    *Deps
	userID  string
	step    forgetStep
	keyword string
}

// NewForgetFlow creates a forget flow for the sender of ev.
func NewForgetFlow(deps *Deps, ev models.MessageEvent) *ForgetFlow {
	return &ForgetFlow{deps: deps, userID: ev.UserID, step: forgetAwaitKeyword}
}

func (f *ForgetFlow) Kind() Kind                    { return KindForget }
func (f *ForgetFlow) Prompt() models.Message        { return say(textForgetPrompt) }
func (f *ForgetFlow) QuitNotice() models.Message    { return say(textForgetQuit) }
func (f *ForgetFlow) TimeoutNotice() models.Message { return say(textForgetTimeout) }

func (f *ForgetFlow) Step(ctx context.Context, ev models.MessageEvent) (Outcome, error) {
	if f.step == forgetAwaitKeyword {
		return f.takeKeyword(ctx, ev.Message)
	}
	return f.confirm(ctx, ev.Message)
}

// resolve finds the active rule for keyword and checks that the user may delete it.
func (f *ForgetFlow) resolve(ctx context.Context, keyword string) (*models.Rule, *Outcome, error) {
	rule, err := f.deps.Repo.FindActive(ctx, keyword)
	if err != nil {
		return nil, &Outcome{Reply: say(textForgetFailed), Done: true}, &models.StorageError{Op: "find keyword", Cause: err}
	}
	if rule == nil {
		return nil, &Outcome{Reply: say(textKeywordMissing), Done: true}, nil
	}
	if rule.UserID != f.userID && !f.deps.IsAdmin(f.userID) {
		return nil, &Outcome{Reply: say(textPermissionDenied), Done: true},
			&models.PermissionError{UserID: f.userID, OwnerID: rule.UserID, RuleID: rule.ID}
	}
	return rule, nil, nil
}

func (f *ForgetFlow) takeKeyword(ctx context.Context, msg models.Message) (Outcome, error) {
	if !models.IsValidKeyword(msg) {
		return Outcome{Reply: say(textInvalidKeyword), Done: true},
			&models.ValidationError{Field: "keyword", Allowed: []models.SegmentType{models.SegmentTypeText, models.SegmentTypeFace}}
	}
	keyword, err := msg.Serialize()
	if err != nil {
		return Outcome{Reply: say(textForgetFailed), Done: true}, err
	}
	if _, stop, err := f.resolve(ctx, keyword); stop != nil {
		return *stop, err
	}
	f.keyword = keyword
	f.step = forgetAwaitConfirm
	return Outcome{Reply: say(textForgetConfirm)}, nil
}

// confirm resolves the keyword again rather than trusting an id captured in
// the first step: the rule may have been replaced since.
func (f *ForgetFlow) confirm(ctx context.Context, msg models.Message) (Outcome, error) {
	if !isConfirm(msg) {
		return Outcome{Reply: say(textForgetCancelled), Done: true}, nil
	}

	rule, stop, err := f.resolve(ctx, f.keyword)
	if stop != nil {
		if err == nil {
			// Someone else removed it in the meantime; the outcome is the same.
			return Outcome{Reply: say(textForgetSuccess), Done: true}, nil
		}
		return *stop, err
	}

	if err := f.deps.Repo.SoftDelete(ctx, rule.ID); err != nil && !errors.Is(err, models.ErrRuleNotFound) {
		return Outcome{Reply: say(textForgetFailed), Done: true}, &models.StorageError{Op: "delete rule", Cause: err}
	}
	slog.Info("ForgetFlow: rule forgotten", "user", f.userID, "ruleID", rule.ID, "owner", rule.UserID)

	if err := f.deps.Rules.Reload(ctx); err != nil {
		slog.Warn("ForgetFlow: reload after forget failed", "error", err, "ruleID", rule.ID)
	}
	return Outcome{Reply: say(textForgetSuccess), Done: true}, nil
}
