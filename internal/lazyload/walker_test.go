package lazyload

import (
	"bytes"
	"strings"
	"testing"
	"time"

	logx "clusterkit/pkg/logx"
)

type leaf struct{ Name string }

type pair struct {
	Left, Right *leaf
}

type bag struct{ items []any }

func (b *bag) Each(fn func(any) bool) {
	for _, it := range b.items {
		if !fn(it) {
			return
		}
	}
}

// visits records the leaves the walker handed to the scanner, in order.
func leafScanners(visits *[]string) *Scanners {
	sc := NewScanners()
	RegisterFunc(sc, "default", func(_ any, l *leaf, _ WalkFunc, _ *Registry) {
		*visits = append(*visits, l.Name)
	})
	RegisterFunc(sc, "default", func(_ any, p *pair, walk WalkFunc, _ *Registry) {
		walk(p, p.Left)
		walk(p, p.Right)
	})
	return sc
}

func TestWalkerContainers(t *testing.T) {
	t.Parallel()

	var visits []string
	w := NewWalker(leafScanners(&visits), NewRegistry(), "default", logx.Nop())

	root := []any{
		&leaf{Name: "a"},
		map[string]*leaf{"c": {Name: "c"}, "b": {Name: "b"}},
		[2]*leaf{{Name: "d"}, nil},
		&bag{items: []any{&leaf{Name: "e"}, 42, "text", time.Now()}},
		&pair{Left: &leaf{Name: "f"}},
		nil,
		true,
	}
	w.Apply(root)

	want := "a,b,c,d,e,f"
	if got := strings.Join(visits, ","); got != want {
		t.Fatalf("visits = %s, want %s", got, want)
	}
}

func TestWalkerVisitedSet(t *testing.T) {
	t.Parallel()

	shared := &leaf{Name: "shared"}
	root := []*pair{{Left: shared, Right: shared}, {Left: shared}}

	var visits []string
	NewWalker(leafScanners(&visits), NewRegistry(), "default", logx.Nop()).Apply(root)
	if len(visits) != 1 {
		t.Fatalf("visits with visited set = %v, want one", visits)
	}

	visits = nil
	NewWalker(leafScanners(&visits), NewRegistry(), "default", logx.Nop(), WithoutVisitedSet()).Apply(root)
	if len(visits) != 3 {
		t.Fatalf("visits without visited set = %v, want three", visits)
	}
}

type cyclic struct {
	Name string
	Peer *cyclic
}

func TestWalkerTerminatesOnCycles(t *testing.T) {
	t.Parallel()

	a := &cyclic{Name: "a"}
	b := &cyclic{Name: "b", Peer: a}
	a.Peer = b

	sc := NewScanners()
	scans := 0
	RegisterFunc(sc, "default", func(_ any, c *cyclic, walk WalkFunc, _ *Registry) {
		scans++
		walk(c, c.Peer)
	})
	NewWalker(sc, NewRegistry(), "default", logx.Nop()).Apply(a)
	if scans != 2 {
		t.Fatalf("scans = %d, want 2", scans)
	}
}

func TestWalkerMissingScannerLogsOncePerPass(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	var visits []string
	w := NewWalker(leafScanners(&visits), NewRegistry(), "admin", logx.NewWriter(&buf, "debug"))

	w.Apply([]*leaf{{Name: "x"}, {Name: "y"}})
	if len(visits) != 0 {
		t.Fatalf("visits = %v, want none in a scenario without scanners", visits)
	}
	if n := strings.Count(buf.String(), "no scanner"); n != 1 {
		t.Fatalf("logged %d times, want 1:\n%s", n, buf.String())
	}

	w.Apply([]*leaf{{Name: "z"}})
	if n := strings.Count(buf.String(), "no scanner"); n != 2 {
		t.Fatalf("logged %d times after second pass, want 2", n)
	}
}

func TestScannerFor(t *testing.T) {
	t.Parallel()

	var visits []string
	sc := leafScanners(&visits)
	if sc.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", sc.Len())
	}
	if _, err := sc.ScannerFor(typeOf[*leaf](), "default"); err != nil {
		t.Fatalf("ScannerFor(*leaf, default) error = %v", err)
	}
	if _, err := sc.ScannerFor(typeOf[*leaf](), "json"); err == nil || !strings.Contains(err.Error(), "scanner not found") {
		t.Fatalf("ScannerFor(*leaf, json) error = %v, want ErrScannerNotFound", err)
	}
	if _, err := sc.ScannerFor(typeOf[leaf](), "default"); err == nil {
		t.Fatalf("value type matched pointer scanner")
	}
}

func TestWalkerValueElements(t *testing.T) {
	t.Parallel()

	var visits []string
	NewWalker(leafScanners(&visits), NewRegistry(), "default", logx.Nop()).Apply([]leaf{{Name: "x"}, {Name: "y"}})
	if got := strings.Join(visits, ","); got != "x,y" {
		t.Fatalf("visits = %s, want x,y", got)
	}

	// Without a *T scanner the value itself is scanned.
	sc := NewScanners()
	var byValue []string
	RegisterFunc(sc, "default", func(_ any, l leaf, _ WalkFunc, _ *Registry) {
		byValue = append(byValue, l.Name)
	})
	NewWalker(sc, NewRegistry(), "default", logx.Nop()).Apply([]leaf{{Name: "z"}})
	if got := strings.Join(byValue, ","); got != "z" {
		t.Fatalf("value visits = %s, want z", got)
	}
}
