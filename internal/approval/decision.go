package approval

import (
	"encoding/json"
	"strings"
	"time"

	"hostbridge/cli/internal/cliconfig"
	"hostbridge/cli/internal/protocol"
)

type Action string

const (
	ActionManual  Action = "manual"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// CINotice answers follow-up questions when nobody can.
const CINotice = "This process is running in non-interactive CI mode. The user cannot make decisions, so you should make the decision autonomously."

type Decision struct {
	Action Action
	Delay  time.Duration
	// Text, when set, is sent with the answer.
	Text string
}

var readTools = map[string]bool{
	"readFile":                true,
	"listFilesTopLevel":       true,
	"listFilesRecursive":      true,
	"searchFiles":             true,
	"listCodeDefinitionNames": true,
	"codebaseSearch":          true,
	"fetchInstructions":       true,
}

var writeTools = map[string]bool{
	"editedExistingFile": true,
	"appliedDiff":        true,
	"newFileCreated":     true,
	"insertContent":      true,
	"searchAndReplace":   true,
	"generateImage":      true,
}

type toolAsk struct {
	Tool               string `json:"tool"`
	Path               string `json:"path"`
	IsOutsideWorkspace bool   `json:"isOutsideWorkspace"`
	IsProtected        bool   `json:"isProtected"`
}

type followupAsk struct {
	Question string `json:"question"`
	Suggest  []struct {
		Answer string `json:"answer"`
	} `json:"suggest"`
}

// Decide returns what should happen to an ask under policy. In CI mode
// anything that would wait for a human is rejected instead, except the
// final completion ask.
func Decide(msg protocol.ChatMessage, policy cliconfig.AutoApproval, ciMode bool) Decision {
	if msg.Type != "ask" || msg.Partial || msg.IsAnswered {
		return Decision{Action: ActionManual}
	}
	if msg.Ask == "completion_result" {
		return Decision{Action: ActionManual}
	}
	if ciMode && msg.Ask == "followup" {
		return Decision{Action: ActionApprove, Text: CINotice}
	}

	d := decide(msg, policy)
	if ciMode && d.Action != ActionApprove {
		return Decision{Action: ActionReject}
	}
	if ciMode {
		d.Delay = 0
	}
	return d
}

func decide(msg protocol.ChatMessage, p cliconfig.AutoApproval) Decision {
	manual := Decision{Action: ActionManual}
	if !p.Enabled {
		return manual
	}
	approve := Decision{Action: ActionApprove}

	switch msg.Ask {
	case "tool":
		var t toolAsk
		if err := json.Unmarshal([]byte(msg.Text), &t); err != nil {
			return manual
		}
		if allowTool(t, p) {
			return approve
		}
	case "command":
		if p.Execute.Enabled && commandAllowed(msg.Text, p.Execute.Allowed, p.Execute.Denied) {
			return approve
		}
	case "browser_action_launch":
		if p.Browser.Enabled {
			return approve
		}
	case "use_mcp_server":
		if p.MCP.Enabled {
			return approve
		}
	case "followup":
		if p.Question.Enabled {
			return Decision{
				Action: ActionApprove,
				Delay:  time.Duration(p.Question.Timeout) * time.Second,
				Text:   firstSuggestion(msg.Text),
			}
		}
	case "api_req_failed":
		if p.Retry.Enabled {
			return Decision{Action: ActionApprove, Delay: time.Duration(p.Retry.Delay) * time.Second}
		}
	}
	return manual
}

func allowTool(t toolAsk, p cliconfig.AutoApproval) bool {
	switch {
	case readTools[t.Tool]:
		return p.Read.Enabled && (!t.IsOutsideWorkspace || p.Read.Outside)
	case writeTools[t.Tool]:
		return p.Write.Enabled &&
			(!t.IsOutsideWorkspace || p.Write.Outside) &&
			(!t.IsProtected || p.Write.Protected)
	case t.Tool == "use_mcp_tool" || t.Tool == "access_mcp_resource":
		return p.MCP.Enabled
	case t.Tool == "switchMode":
		return p.Mode.Enabled
	case t.Tool == "newTask":
		return p.Subtasks.Enabled
	case t.Tool == "updateTodoList":
		return p.Todo.Enabled
	}
	return false
}

func firstSuggestion(text string) string {
	var f followupAsk
	if err := json.Unmarshal([]byte(text), &f); err != nil {
		return ""
	}
	for _, s := range f.Suggest {
		if strings.TrimSpace(s.Answer) != "" {
			return s.Answer
		}
	}
	return ""
}

// commandAllowed splits a shell line on its chaining operators and
// requires every part to pass the allow/deny prefix lists.
func commandAllowed(line string, allowed, denied []string) bool {
	parts := splitCommand(line)
	if len(parts) == 0 {
		return false
	}
	for _, part := range parts {
		if !singleCommandAllowed(part, allowed, denied) {
			return false
		}
	}
	return true
}

func singleCommandAllowed(cmd string, allowed, denied []string) bool {
	allow := longestMatch(cmd, allowed)
	if allow < 0 {
		return false
	}
	return longestMatch(cmd, denied) < allow
}

// longestMatch returns the length of the longest prefix in list matching
// cmd, 0 for a "*" wildcard, or -1 when nothing matches.
func longestMatch(cmd string, list []string) int {
	best := -1
	lower := strings.ToLower(cmd)
	for _, prefix := range list {
		prefix = strings.ToLower(strings.TrimSpace(prefix))
		switch {
		case prefix == "":
			continue
		case prefix == "*":
			if best < 0 {
				best = 0
			}
		case strings.HasPrefix(lower, prefix) && len(prefix) > best:
			best = len(prefix)
		}
	}
	return best
}

func splitCommand(line string) []string {
	replacer := strings.NewReplacer("&&", "\n", "||", "\n", ";", "\n", "|", "\n")
	var out []string
	for _, part := range strings.Split(replacer.Replace(line), "\n") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
