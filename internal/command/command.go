// Package command recognizes the learn and forget chat commands and opens the
// matching conversation flow.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CorpusPipe/internal/flow"
	"github.com/BTreeMap/CorpusPipe/internal/messaging"
	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// DefaultPrefix precedes every command name, as in "空空学习".
const DefaultPrefix = "空空"

// Command names. The Chinese names are the primary ones.
const (
	NameLearn  = "学习"
	NameForget = "忘记"
)

// Opts holds configuration options for a Handler.
type Opts struct {
	Prefix string
}

// Option defines a configuration option for a Handler.
type Option func(*Opts)

// WithPrefix sets the command prefix. An empty prefix makes bare command names work.
func WithPrefix(prefix string) Option {
	return func(o *Opts) {
		o.Prefix = prefix
	}
}

// Handler is the dispatcher handler for chat commands.
type Handler struct {
	engine *flow.Engine
	deps   *flow.Deps
	sender messaging.Sender
	prefix string
}

// NewHandler creates a Handler that opens flows on engine.
func NewHandler(engine *flow.Engine, deps *flow.Deps, sender messaging.Sender, opts ...Option) *Handler {
	cfg := Opts{Prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Handler{engine: engine, deps: deps, sender: sender, prefix: cfg.Prefix}
}

// invocation is what a parsed command asks for.
type invocation struct {
	name   string
	params flow.LearnParams
	help   string
}

// Split returns the command name and its arguments if msg is a command
// invocation, or ok=false otherwise. Only all-text messages can be commands.
func (h *Handler) Split(msg models.Message) (name string, args []string, ok bool) {
	if len(msg) == 0 {
		return "", nil, false
	}
	var b strings.Builder
	for _, seg := range msg {
		if seg.Type != models.SegmentTypeText {
			return "", nil, false
		}
		b.WriteString(seg.Data.Text)
	}
	fields := strings.Fields(b.String())
	if len(fields) == 0 || !strings.HasPrefix(fields[0], h.prefix) {
		return "", nil, false
	}
	head := strings.TrimPrefix(fields[0], h.prefix)
	rest := fields[1:]
	if head == "" && len(rest) > 0 {
		head, rest = rest[0], rest[1:]
	}
	switch strings.ToLower(head) {
	case NameLearn, "learn", NameForget, "forget":
		return head, rest, true
	}
	return "", nil, false
}

// parse runs args through a fresh cobra command tree.
func parse(name string, args []string) (invocation, error) {
	var inv invocation
	var out bytes.Buffer

	root := &cobra.Command{
		Use:           "corpus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(&out)
	root.SetErr(&out)

	learn := &cobra.Command{
		Use:     NameLearn,
		Aliases: []string{"learn"},
		Short:   "学习关键词回复",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			modeFlag, _ := cmd.Flags().GetString("mode")
			sceneFlag, _ := cmd.Flags().GetString("scene")
			mode, err := models.ParseMode(modeFlag)
			if err != nil {
				return err
			}
			scene, err := models.ParseScene(sceneFlag)
			if err != nil {
				return err
			}
			inv = invocation{name: NameLearn, params: flow.LearnParams{Mode: mode, Scene: scene}}
			return nil
		},
	}
	learn.Flags().StringP("mode", "m", string(models.ModeExact), "匹配模式: 精准(exact) 或 模糊(fuzzy)")
	learn.Flags().StringP("scene", "s", string(models.SceneAll), "生效范围: 全部(all) 私聊(private) 群聊(group)")

	forget := &cobra.Command{
		Use:     NameForget,
		Aliases: []string{"forget"},
		Short:   "忘记关键词回复",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inv = invocation{name: NameForget}
			return nil
		},
	}

	root.AddCommand(learn, forget)
	root.SetArgs(append([]string{strings.ToLower(name)}, args...))
	if err := root.Execute(); err != nil {
		return inv, err
	}
	if inv.name == "" {
		// --help ran instead of the command.
		inv.help = strings.TrimSpace(out.String())
	}
	return inv, nil
}

// HandleEvent opens a learn or forget flow when ev is a command.
func (h *Handler) HandleEvent(ctx context.Context, ev models.MessageEvent) (bool, error) {
	name, args, ok := h.Split(ev.Message)
	if !ok {
		return false, nil
	}
	inv, err := parse(name, args)
	if err != nil {
		slog.Debug("Handler.HandleEvent: invalid command", "user", ev.UserID, "error", err)
		h.reply(ctx, ev, fmt.Sprintf("参数错误: %v", err))
		return true, nil
	}
	if inv.help != "" {
		h.reply(ctx, ev, inv.help)
		return true, nil
	}

	var f flow.Flow
	switch inv.name {
	case NameLearn:
		f = flow.NewLearnFlow(h.deps, ev, inv.params)
	default:
		f = flow.NewForgetFlow(h.deps, ev)
	}
	if err := h.engine.Start(ctx, ev, f); err != nil {
		if errors.Is(err, models.ErrAlreadyInFlow) {
			h.reply(ctx, ev, flow.TextAlreadyInFlow)
			return true, nil
		}
		return true, fmt.Errorf("failed to start %s flow: %w", inv.name, err)
	}
	slog.Info("Handler.HandleEvent: flow started", "user", ev.UserID, "command", inv.name, "mode", inv.params.Mode, "scene", inv.params.Scene)
	return true, nil
}

func (h *Handler) reply(ctx context.Context, ev models.MessageEvent, text string) {
	if err := h.sender.SendMessage(ctx, ev.Chat, models.Message{models.Text(text)}); err != nil {
		slog.Error("Handler.reply: send failed", "error", err, "chat", ev.Chat.ID)
	}
}
