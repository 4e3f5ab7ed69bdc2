package agent

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, inv *Invocation) []Fragment {
	t.Helper()

	var out []Fragment
	timeout := time.After(10 * time.Second)
	for {
		select {
		case frag, ok := <-inv.Fragments():
			if !ok {
				return out
			}
			out = append(out, frag)
		case <-timeout:
			t.Fatal("timed out waiting for fragments")
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind FragmentKind
		text string
	}{
		{"plain text", "hello there", FragText, "hello there"},
		{"blank line", "", FragText, ""},
		{"media absolute path", "MEDIA:/tmp/out/photo.png", FragMedia, "/tmp/out/photo.png"},
		{"media https url", "MEDIA: https://example.com/a.jpg", FragMedia, "https://example.com/a.jpg"},
		{"media relative path kept as text", "MEDIA:./photo.png", FragText, "MEDIA:./photo.png"},
		{"media traversal kept as text", "MEDIA:/tmp/../etc/passwd", FragText, "MEDIA:/tmp/../etc/passwd"},
		{"tool bullet", "⏺ Read(main.go)", FragTool, "⏺ Read(main.go)"},
		{"tool wrench", "🔧 running tests", FragTool, "🔧 running tests"},
		{"indented tool marker", "  ⏺ Bash(ls)", FragTool, "⏺ Bash(ls)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frag := Classify(tt.line)
			if frag.Kind != tt.kind {
				t.Errorf("kind = %d, want %d", frag.Kind, tt.kind)
			}
			if frag.Text != tt.text {
				t.Errorf("text = %q, want %q", frag.Text, tt.text)
			}
		})
	}
}

func TestInvocationStreams(t *testing.T) {
	inv, err := Start([]string{"sh", "-c", `read line; echo "got $line"; echo; echo "MEDIA:/tmp/pic.png"`}, "hello")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	frags := collect(t, inv)
	if len(frags) != 4 {
		t.Fatalf("got %d fragments, want 4: %+v", len(frags), frags)
	}

	if frags[0].Kind != FragText || frags[0].Text != "got hello" {
		t.Errorf("fragment 0 = %+v, want text %q", frags[0], "got hello")
	}
	if frags[1].Kind != FragText || frags[1].Text != "" {
		t.Errorf("fragment 1 = %+v, want blank text", frags[1])
	}
	if frags[2].Kind != FragMedia || frags[2].Text != "/tmp/pic.png" {
		t.Errorf("fragment 2 = %+v, want media /tmp/pic.png", frags[2])
	}
	if frags[3].Kind != FragEnd || frags[3].Err != nil {
		t.Errorf("fragment 3 = %+v, want clean end", frags[3])
	}

	if err := inv.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestInvocationExitError(t *testing.T) {
	inv, err := Start([]string{"sh", "-c", `echo "partial"; echo "boom" >&2; exit 3`}, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	frags := collect(t, inv)
	last := frags[len(frags)-1]
	if last.Kind != FragEnd {
		t.Fatalf("last fragment = %+v, want end", last)
	}
	if last.Err == nil || !strings.Contains(last.Err.Error(), "code 3") {
		t.Errorf("end error = %v, want exit code 3", last.Err)
	}

	tail := inv.StderrTail()
	found := false
	for _, line := range tail {
		if line == "boom" {
			found = true
		}
	}
	if !found {
		t.Errorf("stderr tail %v does not contain %q", tail, "boom")
	}
}

func TestInvocationStop(t *testing.T) {
	inv, err := Start([]string{"sh", "-c", "sleep 30"}, "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		inv.Stop()
	}()

	frags := collect(t, inv)
	last := frags[len(frags)-1]
	if last.Kind != FragEnd || last.Err == nil {
		t.Errorf("stopped agent should end with error, got %+v", last)
	}

	select {
	case <-inv.Done():
	default:
		t.Error("Done not closed after stream end")
	}
}

func TestStartEmptyCommand(t *testing.T) {
	if _, err := Start(nil, ""); err != ErrEmptyCommand {
		t.Errorf("Start(nil) error = %v, want ErrEmptyCommand", err)
	}
}

func TestTailBuffer(t *testing.T) {
	t.Run("partial fill", func(t *testing.T) {
		b := newTailBuffer(5)
		b.Add("a")
		b.Add("b")
		got := b.Lines()
		if len(got) != 2 || got[0] != "a" || got[1] != "b" {
			t.Errorf("Lines() = %v", got)
		}
	})

	t.Run("wrap around keeps newest", func(t *testing.T) {
		b := newTailBuffer(3)
		for i := 1; i <= 5; i++ {
			b.Add(fmt.Sprintf("line%d", i))
		}
		got := b.Lines()
		want := []string{"line3", "line4", "line5"}
		if len(got) != len(want) {
			t.Fatalf("Lines() = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("Lines()[%d] = %q, want %q", i, got[i], want[i])
			}
		}
	})
}
