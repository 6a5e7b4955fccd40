package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// RuleView is the JSON shape of a rule on the HTTP surface.
type RuleView struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Keyword   string `json:"keyword"`
	Reply     string `json:"reply"`
	Mode      Mode   `json:"mode"`
	Scene     Scene  `json:"scene"`
	CreatedAt int64  `json:"created_at"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// NewRuleView summarizes r for display.
func NewRuleView(r Rule) RuleView {
	return RuleView{
		ID:        r.ID,
		UserID:    r.UserID,
		Keyword:   r.Keyword.PlainText(),
		Reply:     r.Reply.PlainText(),
		Mode:      r.Mode,
		Scene:     r.Scene,
		CreatedAt: r.CreatedAt.Unix(),
		Deleted:   !r.Active(),
	}
}
