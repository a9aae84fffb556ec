package ostree

import (
	"cmp"
	"errors"
	"math/rand/v2"
	"reflect"
	"slices"
	"testing"

	"github.com/tidwall/btree"
)

func mustVerify(t *testing.T, tree *Tree[int, string]) {
	t.Helper()
	if err := tree.verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func keys(tree *Tree[int, string]) (out []int) {
	for k := range tree.All() {
		out = append(out, k)
	}
	return out
}

func TestTree(t *testing.T) {
	tree := New[int, string](cmp.Compare[int])

	if !tree.IsEmpty() || tree.Len() != 0 {
		t.Errorf("expected empty tree")
	}
	if _, ok := tree.First(); ok {
		t.Errorf("expected no first entry")
	}

	for _, k := range []int{50, 20, 70, 10, 30, 60, 80} {
		if _, existed := tree.Put(k, "x"); existed {
			t.Errorf("expected new key: %d", k)
		}
	}
	mustVerify(t, tree)

	prev, existed := tree.Put(30, "thirty")
	if !existed || prev != "x" {
		t.Errorf("expected replaced value, got prev=%q existed=%v", prev, existed)
	}
	if tree.Len() != 7 {
		t.Errorf("expected 7, got %d", tree.Len())
	}

	if v, ok := tree.Get(30); !ok || v != "thirty" {
		t.Errorf("bad get: %q %v", v, ok)
	}
	if tree.Has(31) {
		t.Errorf("should not have 31")
	}

	expected := []int{10, 20, 30, 50, 60, 70, 80}
	if actual := keys(tree); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v, got %v", expected, actual)
	}

	var backward []int
	for k := range tree.Backward() {
		backward = append(backward, k)
	}
	slices.Reverse(expected)
	if !reflect.DeepEqual(backward, expected) {
		t.Errorf("expected %v, got %v", expected, backward)
	}

	values := slices.Collect(tree.Values())
	if len(values) != 7 || values[2] != "thirty" || values[0] != "x" {
		t.Errorf("bad values: %v", values)
	}

	first, _ := tree.First()
	last, _ := tree.Last()
	if first.Key != 10 || last.Key != 80 {
		t.Errorf("bad first/last: %v %v", first, last)
	}

	if r, ok := tree.Rank(60); !ok || r != 4 {
		t.Errorf("expected rank 4, got %d %v", r, ok)
	}
	if _, ok := tree.Rank(61); ok {
		t.Errorf("expected no rank for missing key")
	}

	e, err := tree.Select(2)
	if err != nil || e.Key != 30 || e.Value != "thirty" {
		t.Errorf("bad select: %v %v", e, err)
	}

	// remove a node with two children
	if v, existed := tree.Remove(50); !existed || v != "x" {
		t.Errorf("bad remove: %q %v", v, existed)
	}
	if _, existed := tree.Remove(50); existed {
		t.Errorf("should not remove twice")
	}
	mustVerify(t, tree)

	expected = []int{10, 20, 30, 60, 70, 80}
	if actual := keys(tree); !reflect.DeepEqual(actual, expected) {
		t.Errorf("expected %v, got %v", expected, actual)
	}

	tree.Clear()
	if !tree.IsEmpty() {
		t.Errorf("expected empty after clear")
	}
	mustVerify(t, tree)
}

func TestSelectPair(t *testing.T) {
	tree := New[int, string](cmp.Compare[int])
	tree.Put(1, "a")
	tree.Put(2, "b")
	tree.Put(3, "c")

	at, after, hasAfter, err := tree.SelectPair(1)
	if err != nil || at.Key != 2 || !hasAfter || after.Key != 3 {
		t.Errorf("bad pair: %v %v %v %v", at, after, hasAfter, err)
	}

	at, _, hasAfter, err = tree.SelectPair(2)
	if err != nil || at.Key != 3 || hasAfter {
		t.Errorf("last pair should have no after: %v %v %v", at, hasAfter, err)
	}
}

func TestOutOfRange(t *testing.T) {
	tree := New[int, string](cmp.Compare[int])
	tree.Put(1, "a")

	for _, index := range []int{-1, 1, 100} {
		if _, err := tree.Select(index); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Select(%d): expected ErrOutOfRange, got %v", index, err)
		}
		if _, _, _, err := tree.SelectPair(index); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("SelectPair(%d): expected ErrOutOfRange, got %v", index, err)
		}
	}

	empty := New[int, string](cmp.Compare[int])
	if _, err := empty.Select(0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange on empty tree, got %v", err)
	}
}

func TestSequential(t *testing.T) {
	tree := New[int, string](cmp.Compare[int])

	// ascending inserts exercise single rotations all the way up
	for i := range 1000 {
		tree.Put(i, "")
	}
	mustVerify(t, tree)

	h := tree.nodes[tree.root].height
	if h > 15 {
		t.Errorf("tree too tall for 1000 entries: %d", h)
	}

	for i := 999; i >= 0; i -= 2 {
		tree.Remove(i)
	}
	mustVerify(t, tree)
	if tree.Len() != 500 {
		t.Errorf("expected 500, got %d", tree.Len())
	}

	// freed slots are reused
	before := len(tree.nodes)
	for i := 1; i < 1000; i += 2 {
		tree.Put(i, "")
	}
	if len(tree.nodes) != before {
		t.Errorf("expected arena reuse, grew from %d to %d", before, len(tree.nodes))
	}
	mustVerify(t, tree)
}

func TestRandomAgainstBTree(t *testing.T) {
	tree := New[int, string](cmp.Compare[int])
	ref := btree.NewBTreeGOptions(func(a, b int) bool { return a < b }, btree.Options{NoLocks: true})

	for i := range 20000 {
		k := rand.IntN(2000)

		if rand.IntN(3) == 0 {
			_, existed := tree.Remove(k)
			_, deleted := ref.Delete(k)
			if existed != deleted {
				t.Fatalf("remove %d: tree=%v ref=%v", k, existed, deleted)
			}
		} else {
			_, existed := tree.Put(k, "")
			_, replaced := ref.Set(k)
			if existed != replaced {
				t.Fatalf("put %d: tree=%v ref=%v", k, existed, replaced)
			}
		}

		if tree.Len() != ref.Len() {
			t.Fatalf("len mismatch: tree=%d ref=%d", tree.Len(), ref.Len())
		}

		if i%500 == 0 {
			mustVerify(t, tree)
		}
	}
	mustVerify(t, tree)

	if actual := keys(tree); !reflect.DeepEqual(actual, ref.Items()) {
		t.Fatalf("contents differ from reference")
	}

	// rank and select are inverse, and agree with the reference
	for i := range tree.Len() {
		e, err := tree.Select(i)
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		if want, _ := ref.GetAt(i); want != e.Key {
			t.Errorf("select %d: expected %d, got %d", i, want, e.Key)
		}
		if r, ok := tree.Rank(e.Key); !ok || r != i {
			t.Errorf("rank of %d: expected %d, got %d", e.Key, i, r)
		}
	}
}

func TestVerifyDetectsCorruption(t *testing.T) {
	tree := New[int, string](cmp.Compare[int])
	for i := range 10 {
		tree.Put(i, "")
	}
	mustVerify(t, tree)

	tree.nodes[tree.root].nleft++
	if err := tree.verify(); !errors.Is(err, errCorrupt) {
		t.Errorf("expected corruption to be detected, got %v", err)
	}
}
