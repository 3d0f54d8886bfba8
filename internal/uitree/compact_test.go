package uitree

import (
	"errors"
	"strings"
	"testing"
)

type brokenNode struct {
	describeErr error
	panicMsg    string
}

func (b brokenNode) Describe() (Info, error) {
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	return Info{}, b.describeErr
}

func (b brokenNode) Children() ([]Node, error) { return nil, nil }

func body(t *testing.T, out string) string {
	t.Helper()
	if !strings.HasPrefix(out, CoordinateHint) {
		t.Fatalf("output must start with the coordinate hint: %q", out)
	}
	return strings.TrimPrefix(strings.TrimPrefix(out, CoordinateHint), "\n")
}

func TestCompactAttributesAndBounds(t *testing.T) {
	root := &StaticNode{
		Class:  "android.widget.Button",
		Text:   "OK",
		Bounds: Rect{Left: 10, Top: 20, Right: 31, Bottom: 41},
		Flags:  Flags{Clickable: true, Focusable: true},
		Items: []*StaticNode{
			{Class: "android.widget.EditText", Description: "Search", ResourceID: "app:id/q", Bounds: Rect{0, 0, 100, 50}, Flags: Flags{Editable: true, Scrollable: true}},
			{Class: "android.widget.Switch", Bounds: Rect{0, 0, 10, 10}},
		},
	}

	got := body(t, Compact(root))
	want := strings.Join([]string{
		`text="OK" clickable focusable [10,20,31,41] midpoint=(20,30)`,
		`  desc="Search" id="app:id/q" scrollable editable [0,0,100,50] midpoint=(50,25)`,
		`  [0,0,10,10] midpoint=(5,5)`,
	}, "\n")
	if got != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", got, want)
	}
}

func TestCompactSkipThroughKeepsDepth(t *testing.T) {
	leafA := &StaticNode{Class: "android.widget.Button", Text: "A", Bounds: Rect{0, 0, 2, 2}}
	leafB := &StaticNode{Class: "android.widget.Button", Text: "B", Bounds: Rect{0, 0, 4, 4}}
	wrapped := &StaticNode{Class: "com.example.Custom", Items: []*StaticNode{
		{Class: "com.example.Custom", Items: []*StaticNode{
			{Class: "com.example.Custom", Text: "title", Bounds: Rect{0, 0, 8, 8}, Items: []*StaticNode{leafA, leafB}},
		}},
	}}

	direct := &StaticNode{Class: "com.example.Custom", Text: "title", Bounds: Rect{0, 0, 8, 8}, Items: []*StaticNode{leafA, leafB}}

	if body(t, Compact(wrapped)) != body(t, Compact(direct)) {
		t.Fatalf("single-child attributeless containers must be elided:\n%s\nvs\n%s", Compact(wrapped), Compact(direct))
	}
	if !strings.HasPrefix(body(t, Compact(wrapped)), `text="title"`) {
		t.Fatalf("elided containers must not add indentation: %q", Compact(wrapped))
	}
}

func TestCompactStructuralFilterStillEmitsChildren(t *testing.T) {
	root := &StaticNode{
		Class:  "android.widget.FrameLayout",
		Bounds: Rect{0, 0, 100, 100},
		Items: []*StaticNode{
			{Class: "android.widget.TextView", Text: "Hello", Bounds: Rect{0, 0, 10, 10}},
			{Class: "android.widget.ImageView", Bounds: Rect{0, 0, 20, 20}},
		},
	}
	got := body(t, Compact(root))
	want := `  text="Hello" [0,0,10,10] midpoint=(5,5)`
	if got != want {
		t.Fatalf("unexpected output:\n%q\nwant:\n%q", got, want)
	}
}

func TestCompactNeverFails(t *testing.T) {
	root := &StaticNode{Class: "com.example.Panel", Text: "panel", Bounds: Rect{0, 0, 1, 1}}
	tree := &mixedNode{StaticNode: root, extra: []Node{
		brokenNode{describeErr: errors.New("node recycled")},
		brokenNode{panicMsg: "stale reference"},
	}}

	got := body(t, Compact(tree))
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", got)
	}
	if lines[1] != "  ERROR: node recycled" || lines[2] != "  ERROR: stale reference" {
		t.Fatalf("errors must render as leaves: %q", got)
	}

	if out := Compact(brokenNode{panicMsg: "root gone"}); !strings.Contains(out, "ERROR: root gone") {
		t.Fatalf("root failure must degrade to text: %q", out)
	}
}

func TestCompactNilRoot(t *testing.T) {
	if out := Compact(nil); !strings.HasPrefix(out, CoordinateHint) {
		t.Fatalf("hint missing: %q", out)
	}
}

func TestFindDescendant(t *testing.T) {
	target := &StaticNode{Class: "android.widget.EditText", Flags: Flags{Editable: true}}
	root := &StaticNode{Class: "Layout", Items: []*StaticNode{
		{Class: "Layout", Items: []*StaticNode{target}},
	}}
	editable := func(i Info) bool { return i.Flags.Editable }

	if FindDescendant(root, 2, editable) != Node(target) {
		t.Fatalf("expected to find editable descendant")
	}
	if FindDescendant(root, 1, editable) != nil {
		t.Fatalf("depth limit ignored")
	}
}

func TestSimpleName(t *testing.T) {
	cases := map[string]string{
		"android.widget.TextView": "TextView",
		"Outer$Inner":             "Inner",
		"FrameLayout":             "FrameLayout",
		"":                        "",
	}
	for in, want := range cases {
		if got := SimpleName(in); got != want {
			t.Fatalf("SimpleName(%q) = %q, want %q", in, got, want)
		}
	}
}

type mixedNode struct {
	*StaticNode
	extra []Node
}

func (m *mixedNode) Children() ([]Node, error) { return m.extra, nil }
