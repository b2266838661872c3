package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relayhq/relay/internal/hashline"
	"github.com/relayhq/relay/internal/shell"
)

const threeLineContent = "line one\nline two\nline three"

// chdirTemp creates a temp dir, chdirs into it so validatePath's
// working-directory resolution passes, and restores the original cwd on
// cleanup.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(origDir)
	})
	return dir
}

// --- file_read / file_new / file_edit round trip ---

func TestFileNewCreatesFileTrackedForImmediateEdit(t *testing.T) {
	chdirTemp(t)
	tracker := NewFileReadTracker()
	h := NewNewFileHandler(tracker)

	argsJSON, _ := json.Marshal(NewFileArgs{File: "greeting.txt", Content: threeLineContent})
	result, err := h.Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content[0].Text)
	}

	got, err := os.ReadFile("greeting.txt")
	if err != nil {
		t.Fatalf("read created file: %v", err)
	}
	if string(got) != threeLineContent {
		t.Fatalf("file content = %q, want %q", got, threeLineContent)
	}

	// file_new marks the path as read, so an immediate file_edit must not
	// be rejected for "you must file_read first".
	editArgs, _ := json.Marshal(EditArgs{
		File: "greeting.txt",
		Replace: &ReplaceOp{
			Start:   hashline.Anchor{Num: 1, Hash: hashline.LineHash("line one")},
			End:     hashline.Anchor{Num: 1, Hash: hashline.LineHash("line one")},
			Content: "line one (edited)",
		},
	})
	editResult, err := NewEditHandler(tracker).Handle(context.Background(), editArgs)
	if err != nil {
		t.Fatalf("edit handle: %v", err)
	}
	if editResult.IsError {
		t.Fatalf("edit after file_new should succeed, got: %s", editResult.Content[0].Text)
	}
}

func TestFileNewRejectsExistingFile(t *testing.T) {
	chdirTemp(t)
	if err := os.WriteFile("exists.txt", []byte("x"), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	argsJSON, _ := json.Marshal(NewFileArgs{File: "exists.txt", Content: "y"})
	result, err := NewNewFileHandler(NewFileReadTracker()).Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error result for an existing file")
	}
}

func TestFileEditRejectsUntrackedFile(t *testing.T) {
	chdirTemp(t)
	if err := os.WriteFile("untracked.txt", []byte(threeLineContent), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	argsJSON, _ := json.Marshal(EditArgs{
		File: "untracked.txt",
		Delete: &DeleteOp{
			Start: hashline.Anchor{Num: 1, Hash: hashline.LineHash("line one")},
			End:   hashline.Anchor{Num: 1, Hash: hashline.LineHash("line one")},
		},
	})
	result, err := NewEditHandler(NewFileReadTracker()).Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error: file was never file_read")
	}
	if !strings.Contains(result.Content[0].Text, "file_read") {
		t.Errorf("error message should mention file_read, got: %s", result.Content[0].Text)
	}
}

func TestFileEditReplaceRejectsStaleHash(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "stale.txt")
	if err := os.WriteFile(path, []byte(threeLineContent), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	tracker := NewFileReadTracker()
	tracker.MarkRead(path)

	argsJSON, _ := json.Marshal(EditArgs{
		File: "stale.txt",
		Replace: &ReplaceOp{
			Start:   hashline.Anchor{Num: 1, Hash: "00"},
			End:     hashline.Anchor{Num: 1, Hash: "00"},
			Content: "replacement",
		},
	})
	result, err := NewEditHandler(tracker).Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a hash mismatch error")
	}
}

func TestFileReadReturnsHashlineTaggedRange(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "ranged.txt")
	if err := os.WriteFile(path, []byte(threeLineContent), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	tracker := NewFileReadTracker()
	argsJSON, _ := json.Marshal(ReadArgs{File: "ranged.txt", Start: 2, End: 2})
	result, err := NewReadHandler(tracker).Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", result.Content[0].Text)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "2:"+hashline.LineHash("line two")+"|line two") {
		t.Errorf("expected tagged line two in output, got: %s", text)
	}
	if !tracker.WasRead(path) {
		t.Error("file_read should mark the path as read")
	}
}

func TestFileReadRejectsPathEscapingWorkingDirectory(t *testing.T) {
	chdirTemp(t)
	argsJSON, _ := json.Marshal(ReadArgs{File: "../../etc/passwd"})
	result, err := NewReadHandler(NewFileReadTracker()).Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an access-denied error")
	}
}

// --- calculator ---

func TestCalculatorEvaluatesExpressionsAndFunctions(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"2 * (3 + 4)", "14"},
		{"sqrt(16)", "4"},
		{"pow(2, 10)", "1024"},
	}
	handler := MakeCalculatorHandler()
	for _, c := range cases {
		argsJSON, _ := json.Marshal(CalculatorArgs{Expression: c.expr})
		result, err := handler(context.Background(), argsJSON)
		if err != nil {
			t.Fatalf("handle(%q): %v", c.expr, err)
		}
		if result.IsError {
			t.Fatalf("handle(%q) returned error: %s", c.expr, result.Content[0].Text)
		}
		if got := result.Content[0].Text; got != c.want {
			t.Errorf("handle(%q) = %q, want %q", c.expr, got, c.want)
		}
	}
}

func TestCalculatorRejectsInvalidExpression(t *testing.T) {
	argsJSON, _ := json.Marshal(CalculatorArgs{Expression: "2 +"})
	result, err := MakeCalculatorHandler()(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error for a malformed expression")
	}
}

// --- time ---

func TestTimeHandlerUsesNowFuncAndDefaults(t *testing.T) {
	fixed := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	origNow := nowFunc
	nowFunc = func() time.Time { return fixed }
	defer func() { nowFunc = origNow }()

	result, err := MakeTimeHandler()(context.Background(), nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := fixed.Format(time.RFC3339)
	if got := result.Content[0].Text; got != want {
		t.Errorf("time = %q, want %q", got, want)
	}
}

func TestTimeHandlerRejectsUnknownTimezone(t *testing.T) {
	argsJSON, _ := json.Marshal(TimeArgs{Timezone: "Not/A_Zone"})
	result, err := MakeTimeHandler()(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error for an unknown timezone")
	}
}

// --- random ---

func TestRandomPicksFromChoices(t *testing.T) {
	argsJSON, _ := json.Marshal(RandomArgs{Choices: []string{"only-option"}})
	result, err := MakeRandomHandler()(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := result.Content[0].Text; got != "only-option" {
		t.Errorf("random(choices) = %q, want %q", got, "only-option")
	}
}

func TestRandomRejectsMinGreaterThanMax(t *testing.T) {
	argsJSON, _ := json.Marshal(RandomArgs{Min: 10, Max: 1})
	result, err := MakeRandomHandler()(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected an error when min > max")
	}
}

// --- todo scratchpad ---

func TestTodoWriteThenReadRoundTrips(t *testing.T) {
	pad := &Scratchpad{}
	writeArgs, _ := json.Marshal(TodoWriteArgs{Content: "1. do the thing"})
	if _, err := MakeTodoWriteHandler(pad)(context.Background(), writeArgs); err != nil {
		t.Fatalf("write: %v", err)
	}

	readResult, err := MakeTodoReadHandler(pad)(context.Background(), nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := readResult.Content[0].Text; got != "1. do the thing" {
		t.Errorf("todo_read = %q, want %q", got, "1. do the thing")
	}
	if pad.Content() != "1. do the thing" {
		t.Errorf("Scratchpad.Content() = %q, want %q", pad.Content(), "1. do the thing")
	}
}

func TestTodoReadBeforeAnyWriteReportsEmpty(t *testing.T) {
	pad := &Scratchpad{}
	result, err := MakeTodoReadHandler(pad)(context.Background(), nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(result.Content[0].Text, "no plan") {
		t.Errorf("expected the empty-plan message, got: %s", result.Content[0].Text)
	}
}

// --- bash ---

func TestBashHandlerReturnsStdoutOnSuccess(t *testing.T) {
	sh := shell.New("", shell.DefaultBlockFuncs())
	h := NewBashHandler(sh)

	argsJSON, _ := json.Marshal(BashArgs{Command: "echo hello", Description: "print hello"})
	result, err := h.Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content[0].Text)
	}
	if !strings.Contains(result.Content[0].Text, "hello") {
		t.Errorf("expected stdout to contain %q, got: %s", "hello", result.Content[0].Text)
	}
}

func TestBashHandlerReportsNonZeroExitAsError(t *testing.T) {
	sh := shell.New("", shell.DefaultBlockFuncs())
	h := NewBashHandler(sh)

	argsJSON, _ := json.Marshal(BashArgs{Command: "exit 3", Description: "fail deliberately"})
	result, err := h.Handle(context.Background(), argsJSON)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a non-zero exit to produce an error result")
	}
	if !strings.Contains(result.Content[0].Text, "exit code: 3") {
		t.Errorf("expected exit code in output, got: %s", result.Content[0].Text)
	}
}

// --- tracker ---

func TestFileReadTrackerTracksIndependentPaths(t *testing.T) {
	tracker := NewFileReadTracker()
	if tracker.WasRead("/a.go") {
		t.Fatal("fresh tracker should report unread for any path")
	}
	tracker.MarkRead("/a.go")
	if !tracker.WasRead("/a.go") {
		t.Error("expected /a.go to be marked read")
	}
	if tracker.WasRead("/b.go") {
		t.Error("marking /a.go should not affect /b.go")
	}
}
