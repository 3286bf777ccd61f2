package decomposer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"agentex/app/core/completer"
	"agentex/app/pkg/logger"
	"agentex/app/pkg/types"
)

var criticalCommands = map[string]bool{
	"cancel": true,
	"repeat": true,
	"undo":   true,
}

// Decomposition is the ordered task list for one utterance.
type Decomposition struct {
	Tasks []types.Task
}

type Decomposer struct {
	completer completer.Completer
	timeout   time.Duration
}

func New(c completer.Completer) *Decomposer {
	return &Decomposer{completer: c, timeout: 10 * time.Second}
}

// Decompose splits an utterance into discrete tasks. It never fails: provider
// errors degrade to a single pass-through intent task, malformed replies to a
// single error task.
func (d *Decomposer) Decompose(ctx context.Context, utt types.Utterance) Decomposition {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.completer.Chat(callCtx, completer.Request{
		System:    decomposeSystemPrompt,
		Messages:  []completer.Message{{Role: "user", Content: buildDecomposeInput(utt)}},
		MaxTokens: 700,
		JSONMode:  true,
		Feature:   "decompose",
	})
	if err != nil {
		logger.Error("[Decomposer] Completer failed, pass-through: %v", err)
		return Decomposition{Tasks: []types.Task{newTask(utt, types.TaskIntent, utt.Text, "", 2)}}
	}

	dec, ok := parseDecomposition(utt, resp.Content)
	if !ok {
		logger.Error("[Decomposer] Invalid decomposition payload")
		return Decomposition{Tasks: []types.Task{newTask(utt, types.TaskError, utt.Text, "", 2)}}
	}
	return dec
}

func parseDecomposition(utt types.Utterance, body string) (Decomposition, bool) {
	if !gjson.Valid(body) {
		return Decomposition{}, false
	}
	tasksNode := gjson.Get(body, "tasks")
	if !tasksNode.IsArray() {
		return Decomposition{}, false
	}

	var out Decomposition
	valid := true
	tasksNode.ForEach(func(_, node gjson.Result) bool {
		kind := types.TaskKind(node.Get("kind").String())
		text := strings.TrimSpace(node.Get("text").String())
		command := strings.ToLower(strings.TrimSpace(node.Get("command").String()))

		switch kind {
		case types.TaskIntent, types.TaskClarify:
			if text == "" {
				valid = false
				return false
			}
		case types.TaskSystem:
			if !criticalCommands[command] {
				valid = false
				return false
			}
		default:
			valid = false
			return false
		}

		task := newTask(utt, kind, text, command, priorityFor(kind, text))
		out.Tasks = append(out.Tasks, task)
		return true
	})
	if !valid || len(out.Tasks) == 0 {
		return Decomposition{}, false
	}
	return out, true
}

// priorityFor: explicit system commands run first; "today/now"-scoped
// utterances are urgent; everything else is default.
func priorityFor(kind types.TaskKind, text string) int {
	if kind == types.TaskSystem {
		return 5
	}
	lower := " " + strings.ToLower(text) + " "
	if strings.Contains(lower, " today ") || strings.Contains(lower, " now ") || strings.Contains(lower, " right now ") {
		return 3
	}
	return 2
}

func newTask(utt types.Utterance, kind types.TaskKind, text, command string, priority int) types.Task {
	return types.Task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Text:        text,
		Normalized:  text,
		Command:     command,
		Params:      map[string]string{},
		Priority:    priority,
		UtteranceID: fmt.Sprintf("%s-%d", utt.SessionID, utt.Sequence),
		SessionID:   utt.SessionID,
		CreatedAt:   time.Now(),
		MaxAttempts: 1,
		State:       types.StatePending,
	}
}

const decomposeSystemPrompt = `You are a strict task decomposer for a voice assistant.
Split the user's utterance into discrete tasks. Return JSON only.

JSON schema:
{"tasks":[{"kind":"intent|system|clarify","text":"...","command":"cancel|repeat|undo"}]}

Rules:
- If the utterance is a critical command (cancel, repeat, undo) with no object, emit one kind=system task with the command field set.
- Split compound requests joined by "and", "then", "also" into separate kind=intent tasks, in order.
- When a later part refers back ("then play it"), rewrite its text so the referent is explicit.
- If the utterance is structurally incomplete and cannot be acted on, emit one kind=clarify task whose text is the question to ask the user.
- Never invent tasks the user did not request.`

func buildDecomposeInput(utt types.Utterance) string {
	var b strings.Builder
	b.WriteString("utterance: ")
	b.WriteString(utt.Text)
	b.WriteString("\n")
	if len(utt.Profile) > 0 {
		b.WriteString("user_profile:\n")
		for k, v := range utt.Profile {
			b.WriteString(fmt.Sprintf("- %s: %s\n", k, v))
		}
	}
	history := utt.History
	if len(history) > 6 {
		history = history[len(history)-6:]
	}
	if len(history) > 0 {
		b.WriteString("recent_conversation:\n")
		for _, turn := range history {
			b.WriteString(fmt.Sprintf("%s: %s\n", turn.Role, turn.Content))
		}
	}
	return b.String()
}
