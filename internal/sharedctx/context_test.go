package sharedctx

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

func TestNew_AppendsStructure(t *testing.T) {
	c := New([]string{"concept", "characters", "concept", "", StructureSection})
	got := c.Sections()
	want := []string{"concept", "characters", StructureSection}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Sections() = %v, want %v", got, want)
	}
}

func TestReadWriteAppend(t *testing.T) {
	c := New([]string{"notes"})

	if err := c.Write("notes", "first"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Append("notes", "second"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	got, err := c.Read("notes")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "first\nsecond" {
		t.Errorf("Read() = %q, want %q", got, "first\nsecond")
	}

	if err := c.Append("empty_start", "x"); !errors.Is(err, errors.ErrUnknownSection) {
		t.Errorf("Append(unknown) = %v, want ErrUnknownSection", err)
	}
	if _, err := c.Read("missing"); !errors.Is(err, errors.ErrUnknownSection) {
		t.Errorf("Read(unknown) = %v, want ErrUnknownSection", err)
	}
}

func TestAppend_ToEmptySection(t *testing.T) {
	c := New([]string{"log"})
	c.Append("log", "only")
	if got, _ := c.Read("log"); got != "only" {
		t.Errorf("Read() = %q, want %q", got, "only")
	}
}

func TestSerialize(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*Context)
		sections []string
		want     string
	}{
		{
			name:  "empty",
			setup: func(*Context) {},
			want:  EmptyPlaceholder,
		},
		{
			name: "prompt and sections in declared order",
			setup: func(c *Context) {
				c.SetPrompt("write a mystery")
				c.Write("plot_outline", "acts")
				c.Write("crime_design", "poison")
			},
			want: "## User Request\nwrite a mystery\n\n## Crime Design\npoison\n\n## Plot Outline\nacts",
		},
		{
			name: "filtered",
			setup: func(c *Context) {
				c.Write("crime_design", "poison")
				c.Write("plot_outline", "acts")
				c.Write(StructureSection, "├── a.md")
			},
			sections: []string{StructureSection, "plot_outline", "nope"},
			want:     "## Plot Outline\nacts\n\n## Structure\n├── a.md",
		},
		{
			name: "empty sections skipped",
			setup: func(c *Context) {
				c.Write("plot_outline", "acts")
			},
			want: "## Plot Outline\nacts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New([]string{"crime_design", "plot_outline"})
			tt.setup(c)
			if got := c.Serialize(tt.sections...); got != tt.want {
				t.Errorf("Serialize() =\n%q\nwant\n%q", got, tt.want)
			}
		})
	}
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	src := New([]string{"concept", "characters", "validation_report"})
	src.SetPrompt("a locked-room mystery")
	src.Write("concept", "island manor")
	src.Append("characters", "detective")
	src.Append("characters", "butler")
	src.Write(StructureSection, "└── chapters")

	data, err := MarshalSnapshot(src.Snapshot())
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}

	dst := New(nil)
	if err := dst.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got, want := dst.Serialize(), src.Serialize(); got != want {
		t.Errorf("restored Serialize() differs\n got: %q\nwant: %q", got, want)
	}
	if strings.Join(dst.Sections(), ",") != strings.Join(src.Sections(), ",") {
		t.Errorf("section order differs: %v vs %v", dst.Sections(), src.Sections())
	}
}

func TestRestore_AfterStart(t *testing.T) {
	c := New([]string{"a"})
	snap := c.Snapshot()
	c.MarkStarted()
	if err := c.Restore(snap); !errors.Is(err, errors.ErrContextStarted) {
		t.Errorf("Restore() after start = %v, want ErrContextStarted", err)
	}
}

func TestRestore_UnknownSection(t *testing.T) {
	c := New([]string{"a"})
	err := c.Restore(map[string]string{SnapshotSectionsKey: "a", "b": "stray"})
	if !errors.Is(err, errors.ErrUnknownSection) {
		t.Errorf("Restore() = %v, want ErrUnknownSection", err)
	}
}

func TestConcurrentAppend(t *testing.T) {
	c := New([]string{"log"})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Append("log", fmt.Sprintf("line-%d", i))
			_ = c.Serialize()
		}(i)
	}
	wg.Wait()

	got, _ := c.Read("log")
	if n := len(strings.Split(got, "\n")); n != 50 {
		t.Errorf("expected 50 lines, got %d", n)
	}
}
