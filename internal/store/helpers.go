package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/CorpusPipe/internal/models"
)

// ruleColumns is the column list every rule query selects, in scanRule order.
const ruleColumns = `id, user_id, keyword, reply, mode, scene, created_at, updated_at, deleted_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRule scans one corpus row and decodes its serialized messages.
func scanRule(row rowScanner) (models.Rule, error) {
	var r models.Rule
	var keyword, reply, mode, scene string
	var deletedAt sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &keyword, &reply, &mode, &scene, &r.CreatedAt, &r.UpdatedAt, &deletedAt)
	if err != nil {
		return r, err
	}
	if r.Keyword, err = models.ParseMessage(keyword); err != nil {
		return r, fmt.Errorf("rule %d has malformed keyword: %w", r.ID, err)
	}
	if r.Reply, err = models.ParseMessage(reply); err != nil {
		return r, fmt.Errorf("rule %d has malformed reply: %w", r.ID, err)
	}
	r.Mode = models.Mode(mode)
	r.Scene = models.Scene(scene)
	if deletedAt.Valid {
		r.DeletedAt = &deletedAt.Time
	}
	return r, nil
}

// scanRules drains rows into rules, closing rows when done.
func scanRules(rows *sql.Rows) ([]models.Rule, error) {
	defer rows.Close()
	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule failed: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule rows failed: %w", err)
	}
	return rules, nil
}

// serializeRule returns the persisted forms of the rule's keyword and reply.
func serializeRule(rule models.Rule) (keyword, reply string, err error) {
	if rule.UserID == "" {
		return "", "", models.ErrEmptyUserID
	}
	if keyword, err = rule.Keyword.Serialize(); err != nil {
		return "", "", fmt.Errorf("serialize keyword: %w", err)
	}
	if reply, err = rule.Reply.Serialize(); err != nil {
		return "", "", fmt.Errorf("serialize reply: %w", err)
	}
	return keyword, reply, nil
}

// ruleDefaults fills in the mode and scene a rule gets when none was chosen.
func ruleDefaults(rule models.Rule) models.Rule {
	if rule.Mode == "" {
		rule.Mode = models.ModeExact
	}
	if rule.Scene == "" {
		rule.Scene = models.SceneAll
	}
	return rule
}
