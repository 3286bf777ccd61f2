package decomposer

import (
	"context"
	"testing"

	"agentex/app/core/completer"
	"agentex/app/pkg/types"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Chat(ctx context.Context, req completer.Request) (completer.Response, error) {
	f.calls++
	if f.err != nil {
		return completer.Response{}, f.err
	}
	return completer.Response{Content: f.reply}, nil
}

func utt(text string) types.Utterance {
	return types.Utterance{Text: text, SessionID: "s1", Sequence: 1}
}

func TestSystemCommand(t *testing.T) {
	fc := &fakeCompleter{reply: `{"tasks":[{"kind":"system","command":"cancel"}]}`}
	d := New(fc)

	dec := d.Decompose(context.Background(), utt("cancel"))
	if len(dec.Tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(dec.Tasks))
	}
	task := dec.Tasks[0]
	if task.Kind != types.TaskSystem || task.Command != "cancel" {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.Priority != 5 {
		t.Fatalf("system commands run at priority 5, got %d", task.Priority)
	}
}

func TestCompoundSplitPreservesOrder(t *testing.T) {
	fc := &fakeCompleter{reply: `{
		"tasks":[
			{"kind":"intent","text":"find me a jazz podcast about Monk"},
			{"kind":"intent","text":"play the jazz podcast about Monk"}
		],
		"acknowledgment":"On it"
	}`}
	d := New(fc)

	// extra fields like "acknowledgment" are tolerated and ignored
	dec := d.Decompose(context.Background(), utt("find me a jazz podcast about Monk and then play it"))
	if len(dec.Tasks) != 2 {
		t.Fatalf("expected two tasks, got %d", len(dec.Tasks))
	}
	if dec.Tasks[0].Text != "find me a jazz podcast about Monk" {
		t.Fatalf("first task text %q", dec.Tasks[0].Text)
	}
	if dec.Tasks[1].Text != "play the jazz podcast about Monk" {
		t.Fatalf("referent must be explicit, got %q", dec.Tasks[1].Text)
	}
}

func TestTodayScopedPriority(t *testing.T) {
	fc := &fakeCompleter{reply: `{"tasks":[{"kind":"intent","text":"what is on my calendar today"}]}`}
	d := New(fc)
	dec := d.Decompose(context.Background(), utt("what's on my calendar today"))
	if dec.Tasks[0].Priority != 3 {
		t.Fatalf("today-scoped tasks run at priority 3, got %d", dec.Tasks[0].Priority)
	}
}

func TestProviderFailurePassThrough(t *testing.T) {
	fc := &fakeCompleter{err: completer.ErrProviderUnavailable}
	d := New(fc)

	dec := d.Decompose(context.Background(), utt("what time is it"))
	if len(dec.Tasks) != 1 {
		t.Fatalf("pass-through must produce exactly one task, got %d", len(dec.Tasks))
	}
	task := dec.Tasks[0]
	if task.Kind != types.TaskIntent || task.Text != "what time is it" || task.MaxAttempts != 1 {
		t.Fatalf("unexpected pass-through task %+v", task)
	}
}

func TestNonJSONEmitsErrorTask(t *testing.T) {
	fc := &fakeCompleter{reply: "I think you want the weather?"}
	d := New(fc)
	dec := d.Decompose(context.Background(), utt("weather"))
	if len(dec.Tasks) != 1 || dec.Tasks[0].Kind != types.TaskError {
		t.Fatalf("expected a single error task, got %+v", dec.Tasks)
	}
}

func TestSchemaViolationEmitsErrorTask(t *testing.T) {
	fc := &fakeCompleter{reply: `{"tasks":[{"kind":"magic","text":"abracadabra"}]}`}
	d := New(fc)
	dec := d.Decompose(context.Background(), utt("abracadabra"))
	if len(dec.Tasks) != 1 || dec.Tasks[0].Kind != types.TaskError {
		t.Fatalf("expected a single error task, got %+v", dec.Tasks)
	}
}

func TestClarifyTask(t *testing.T) {
	fc := &fakeCompleter{reply: `{"tasks":[{"kind":"clarify","text":"Which city do you want the weather for?"}]}`}
	d := New(fc)
	dec := d.Decompose(context.Background(), utt("weather"))
	if dec.Tasks[0].Kind != types.TaskClarify {
		t.Fatalf("expected clarify task, got %+v", dec.Tasks[0])
	}
}
