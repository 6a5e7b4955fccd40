package models

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the match mode recorded with a rule. Only exact matching is
// implemented; fuzzy is stored for compatibility and matched exactly.
type Mode string

const (
	ModeExact Mode = "exact"
	ModeFuzzy Mode = "fuzzy"
)

// Scene restricts which chat contexts a rule fires in.
type Scene string

const (
	SceneAll     Scene = "all"
	ScenePrivate Scene = "private"
	SceneGroup   Scene = "group"
)

// ParseMode accepts the English or Chinese label of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "精准":
		return ModeExact, nil
	case "fuzzy", "模糊":
		return ModeFuzzy, nil
	}
	return "", fmt.Errorf("invalid mode %q (expected exact/精准 or fuzzy/模糊)", s)
}

// ParseScene accepts the English or Chinese label of a scene.
func ParseScene(s string) (Scene, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "all", "全部":
		return SceneAll, nil
	case "private", "私聊":
		return ScenePrivate, nil
	case "group", "群聊":
		return SceneGroup, nil
	}
	return "", fmt.Errorf("invalid scene %q (expected all/全部, private/私聊 or group/群聊)", s)
}

// Allows reports whether a rule with this scene may fire in a chat of type ct.
func (s Scene) Allows(ct ChatType) bool {
	switch s {
	case ScenePrivate:
		return ct == ChatTypePrivate
	case SceneGroup:
		return ct == ChatTypeGroup
	default:
		return true
	}
}

// Rule is a learned corpus entry: a stimulus message and the reply to send.
type Rule struct {
	ID        int64      `json:"id"`
	UserID    string     `json:"user_id"`
	Keyword   Message    `json:"keyword"`
	Reply     Message    `json:"reply"`
	Mode      Mode       `json:"mode"`
	Scene     Scene      `json:"scene"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the rule has not been soft-deleted.
func (r Rule) Active() bool {
	return r.DeletedAt == nil
}
