package ostree

import (
	"fmt"
	"iter"
)

// nilNode is the handle of the placeholder at nodes[0]; it stands for "no node".
const nilNode = 0

type node[K, V any] struct {
	key   K
	value V

	parent, left, right int
	prev, next          int

	nleft, nright int
	height        int
}

// Tree is an ordered map with rank and select.
// It is not safe for concurrent use. It must not be modified while being iterated.
type Tree[K, V any] struct {
	compare CompareFunc[K]

	nodes []node[K, V]
	free  []int

	root       int
	head, tail int
}

// New creates a new, empty Tree ordered by the given comparison function.
func New[K, V any](compare CompareFunc[K]) *Tree[K, V] {
	return &Tree[K, V]{
		compare: compare,
		nodes:   make([]node[K, V], 1),
	}
}

// Len returns the number of entries in this tree.
func (t *Tree[K, V]) Len() int {
	return t.size(t.root)
}

// IsEmpty reports whether this tree has no entries.
func (t *Tree[K, V]) IsEmpty() bool {
	return t.root == nilNode
}

// Clear removes all entries, releasing the arena.
func (t *Tree[K, V]) Clear() {
	t.nodes = make([]node[K, V], 1)
	t.free = nil
	t.root = nilNode
	t.head = nilNode
	t.tail = nilNode
}

// Get returns the value for the key.
func (t *Tree[K, V]) Get(key K) (v V, ok bool) {
	n := t.find(key)
	if n == nilNode {
		return
	}
	return t.nodes[n].value, true
}

// Has reports whether the key is present.
func (t *Tree[K, V]) Has(key K) bool {
	return t.find(key) != nilNode
}

// Put sets the value for the key.
// It returns the previous value and true if the key was already present.
func (t *Tree[K, V]) Put(key K, value V) (prev V, existed bool) {
	if t.root == nilNode {
		n := t.alloc(key, value)
		t.root = n
		t.head = n
		t.tail = n
		t.check()
		return
	}

	cur := t.root
	var c int
	for {
		c = t.compare(key, t.nodes[cur].key)
		if c == 0 {
			prev = t.nodes[cur].value
			t.nodes[cur].value = value
			return prev, true
		}

		child := t.nodes[cur].right
		if c < 0 {
			child = t.nodes[cur].left
		}
		if child == nilNode {
			break
		}
		cur = child
	}

	// alloc may grow the arena, so take no node pointers before this point
	n := t.alloc(key, value)
	t.nodes[n].parent = cur

	if c < 0 {
		t.nodes[cur].left = n
		t.linkBefore(n, cur)
	} else {
		t.nodes[cur].right = n
		t.linkAfter(n, cur)
	}

	for child, p := n, cur; p != nilNode; child, p = p, t.nodes[p].parent {
		if t.nodes[p].left == child {
			t.nodes[p].nleft++
		} else {
			t.nodes[p].nright++
		}
	}

	t.rebalanceUp(cur)
	t.check()
	return
}

// Remove deletes the key.
// It returns the removed value and true if the key was present.
func (t *Tree[K, V]) Remove(key K) (v V, existed bool) {
	z := t.find(key)
	if z == nilNode {
		return
	}
	v = t.nodes[z].value

	target := z
	if t.nodes[z].left != nilNode && t.nodes[z].right != nilNode {
		// Take over the in-order predecessor's entry, then drop the predecessor's node instead.
		// The predecessor is the rightmost node of the left subtree, so it has no right child.
		y := t.nodes[z].prev
		t.nodes[z].key = t.nodes[y].key
		t.nodes[z].value = t.nodes[y].value

		t.nodes[z].prev = t.nodes[y].prev
		if t.nodes[y].prev != nilNode {
			t.nodes[t.nodes[y].prev].next = z
		} else {
			t.head = z
		}
		target = y
	} else {
		t.unlink(z)
	}

	t.removeNode(target)
	t.check()
	return v, true
}

// Rank returns the zero-based position of the key in sorted order.
func (t *Tree[K, V]) Rank(key K) (int, bool) {
	n := t.find(key)
	if n == nilNode {
		return 0, false
	}

	r := t.nodes[n].nleft
	for child, p := n, t.nodes[n].parent; p != nilNode; child, p = p, t.nodes[p].parent {
		if t.nodes[p].right == child {
			r += t.nodes[p].nleft + 1
		}
	}
	return r, true
}

// Select returns the entry at the zero-based position in sorted order.
func (t *Tree[K, V]) Select(index int) (e Entry[K, V], err error) {
	n, err := t.selectNode(index)
	if err != nil {
		return
	}
	return t.entry(n), nil
}

// SelectPair returns the entry at the position and the entry right after it, if any.
// This costs one descent plus one hop along the key-ordered chain.
func (t *Tree[K, V]) SelectPair(index int) (at, after Entry[K, V], hasAfter bool, err error) {
	n, err := t.selectNode(index)
	if err != nil {
		return
	}
	at = t.entry(n)

	if next := t.nodes[n].next; next != nilNode {
		after = t.entry(next)
		hasAfter = true
	}
	return
}

// First returns the smallest entry.
func (t *Tree[K, V]) First() (e Entry[K, V], ok bool) {
	if t.head == nilNode {
		return
	}
	return t.entry(t.head), true
}

// Last returns the largest entry.
func (t *Tree[K, V]) Last() (e Entry[K, V], ok bool) {
	if t.tail == nilNode {
		return
	}
	return t.entry(t.tail), true
}

// All iterates over all entries in ascending key order.
func (t *Tree[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for n := t.head; n != nilNode; n = t.nodes[n].next {
			if !yield(t.nodes[n].key, t.nodes[n].value) {
				return
			}
		}
	}
}

// Backward iterates over all entries in descending key order.
func (t *Tree[K, V]) Backward() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for n := t.tail; n != nilNode; n = t.nodes[n].prev {
			if !yield(t.nodes[n].key, t.nodes[n].value) {
				return
			}
		}
	}
}

// Values iterates over all values in ascending key order.
func (t *Tree[K, V]) Values() iter.Seq[V] {
	return func(yield func(V) bool) {
		for n := t.head; n != nilNode; n = t.nodes[n].next {
			if !yield(t.nodes[n].value) {
				return
			}
		}
	}
}

func (t *Tree[K, V]) entry(n int) Entry[K, V] {
	return Entry[K, V]{Key: t.nodes[n].key, Value: t.nodes[n].value}
}

func (t *Tree[K, V]) find(key K) int {
	n := t.root
	for n != nilNode {
		c := t.compare(key, t.nodes[n].key)
		if c < 0 {
			n = t.nodes[n].left
		} else if c > 0 {
			n = t.nodes[n].right
		} else {
			return n
		}
	}
	return nilNode
}

func (t *Tree[K, V]) selectNode(index int) (int, error) {
	if index < 0 || index >= t.Len() {
		return nilNode, fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, index, t.Len())
	}

	n := t.root
	for {
		l := t.nodes[n].nleft
		if index < l {
			n = t.nodes[n].left
		} else if index == l {
			return n, nil
		} else {
			index -= l + 1
			n = t.nodes[n].right
		}
	}
}

func (t *Tree[K, V]) alloc(key K, value V) (n int) {
	if len(t.free) > 0 {
		n = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	} else {
		n = len(t.nodes)
		t.nodes = append(t.nodes, node[K, V]{})
	}
	t.nodes[n] = node[K, V]{key: key, value: value, height: 1}
	return n
}

func (t *Tree[K, V]) release(n int) {
	t.nodes[n] = node[K, V]{}
	t.free = append(t.free, n)
}

// linkBefore threads n onto the chain just before at.
func (t *Tree[K, V]) linkBefore(n, at int) {
	prev := t.nodes[at].prev
	t.nodes[n].prev = prev
	t.nodes[n].next = at
	if prev != nilNode {
		t.nodes[prev].next = n
	} else {
		t.head = n
	}
	t.nodes[at].prev = n
}

// linkAfter threads n onto the chain just after at.
func (t *Tree[K, V]) linkAfter(n, at int) {
	next := t.nodes[at].next
	t.nodes[n].prev = at
	t.nodes[n].next = next
	if next != nilNode {
		t.nodes[next].prev = n
	} else {
		t.tail = n
	}
	t.nodes[at].next = n
}

func (t *Tree[K, V]) unlink(n int) {
	prev, next := t.nodes[n].prev, t.nodes[n].next
	if prev != nilNode {
		t.nodes[prev].next = next
	} else {
		t.head = next
	}
	if next != nilNode {
		t.nodes[next].prev = prev
	} else {
		t.tail = prev
	}
}

// removeNode detaches n, which has at most one child, from the tree shape.
// The chain must already have been fixed.
func (t *Tree[K, V]) removeNode(n int) {
	child := t.nodes[n].left
	if child == nilNode {
		child = t.nodes[n].right
	}
	parent := t.nodes[n].parent

	for c, p := n, parent; p != nilNode; c, p = p, t.nodes[p].parent {
		if t.nodes[p].left == c {
			t.nodes[p].nleft--
		} else {
			t.nodes[p].nright--
		}
	}

	if child != nilNode {
		t.nodes[child].parent = parent
	}
	t.replaceChild(parent, n, child)
	t.release(n)

	t.rebalanceUp(parent)
}

// replaceChild points whatever referred to old (parent or root) at repl instead.
func (t *Tree[K, V]) replaceChild(parent, old, repl int) {
	if parent == nilNode {
		t.root = repl
	} else if t.nodes[parent].left == old {
		t.nodes[parent].left = repl
	} else {
		t.nodes[parent].right = repl
	}
}

func (t *Tree[K, V]) size(n int) int {
	if n == nilNode {
		return 0
	}
	return t.nodes[n].nleft + t.nodes[n].nright + 1
}

func (t *Tree[K, V]) height(n int) int {
	if n == nilNode {
		return 0
	}
	return t.nodes[n].height
}

func (t *Tree[K, V]) balance(n int) int {
	return t.height(t.nodes[n].left) - t.height(t.nodes[n].right)
}

func (t *Tree[K, V]) updateHeight(n int) {
	t.nodes[n].height = 1 + max(t.height(t.nodes[n].left), t.height(t.nodes[n].right))
}

// rebalanceUp restores heights and balance from n towards the root.
// It stops once a subtree comes out at the height it had before.
func (t *Tree[K, V]) rebalanceUp(n int) {
	for n != nilNode {
		old := t.nodes[n].height
		parent := t.nodes[n].parent

		t.updateHeight(n)
		top := t.rebalance(n)
		if t.nodes[top].height == old {
			return
		}
		n = parent
	}
}

// rebalance fixes an AVL violation at n and returns the new root of that subtree.
func (t *Tree[K, V]) rebalance(n int) int {
	b := t.balance(n)
	if b > 1 {
		if t.balance(t.nodes[n].left) < 0 {
			t.rotateLeft(t.nodes[n].left)
		}
		return t.rotateRight(n)
	} else if b < -1 {
		if t.balance(t.nodes[n].right) > 0 {
			t.rotateRight(t.nodes[n].right)
		}
		return t.rotateLeft(n)
	}
	return n
}

func (t *Tree[K, V]) rotateLeft(x int) int {
	y := t.nodes[x].right
	parent := t.nodes[x].parent

	inner := t.nodes[y].left
	t.nodes[x].right = inner
	if inner != nilNode {
		t.nodes[inner].parent = x
	}

	t.nodes[y].parent = parent
	t.replaceChild(parent, x, y)
	t.nodes[y].left = x
	t.nodes[x].parent = y

	t.nodes[x].nright = t.nodes[y].nleft
	t.nodes[y].nleft = t.size(x)

	t.updateHeight(x)
	t.updateHeight(y)
	return y
}

func (t *Tree[K, V]) rotateRight(x int) int {
	y := t.nodes[x].left
	parent := t.nodes[x].parent

	inner := t.nodes[y].right
	t.nodes[x].left = inner
	if inner != nilNode {
		t.nodes[inner].parent = x
	}

	t.nodes[y].parent = parent
	t.replaceChild(parent, x, y)
	t.nodes[y].right = x
	t.nodes[x].parent = y

	t.nodes[x].nleft = t.nodes[y].nright
	t.nodes[y].nright = t.size(x)

	t.updateHeight(x)
	t.updateHeight(y)
	return y
}

func (t *Tree[K, V]) check() {
	if debugVerify {
		if err := t.verify(); err != nil {
			panic(err)
		}
	}
}
