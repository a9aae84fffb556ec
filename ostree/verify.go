package ostree

import (
	"errors"
	"fmt"
)

var errCorrupt = errors.New("ostree: corrupt")

// verify checks every structural invariant of the tree and returns the first violation.
func (t *Tree[K, V]) verify() error {
	if t.root != nilNode && t.nodes[t.root].parent != nilNode {
		return fmt.Errorf("%w: root %d has parent", errCorrupt, t.root)
	}

	var order []int
	if _, _, err := t.verifyNode(t.root, nilNode, &order); err != nil {
		return err
	}

	if live := len(t.nodes) - 1 - len(t.free); live != len(order) {
		return fmt.Errorf("%w: %d reachable nodes, arena holds %d", errCorrupt, len(order), live)
	}

	for i := 1; i < len(order); i++ {
		if t.compare(t.nodes[order[i-1]].key, t.nodes[order[i]].key) >= 0 {
			return fmt.Errorf("%w: keys out of order at %d", errCorrupt, i)
		}
	}

	// the chain must visit exactly the in-order sequence, both ways
	prev := nilNode
	n := t.head
	for i, want := range order {
		if n != want {
			return fmt.Errorf("%w: chain has %d at %d, expected %d", errCorrupt, n, i, want)
		}
		if t.nodes[n].prev != prev {
			return fmt.Errorf("%w: node %d prev=%d, expected %d", errCorrupt, n, t.nodes[n].prev, prev)
		}
		prev = n
		n = t.nodes[n].next
	}
	if n != nilNode {
		return fmt.Errorf("%w: chain continues past last node", errCorrupt)
	}
	if t.tail != prev {
		return fmt.Errorf("%w: tail=%d, expected %d", errCorrupt, t.tail, prev)
	}

	return nil
}

// verifyNode checks the subtree at n and returns its size and height.
func (t *Tree[K, V]) verifyNode(n, parent int, order *[]int) (size, height int, err error) {
	if n == nilNode {
		return 0, 0, nil
	}
	nd := &t.nodes[n]
	if nd.parent != parent {
		return 0, 0, fmt.Errorf("%w: node %d parent=%d, expected %d", errCorrupt, n, nd.parent, parent)
	}

	lsize, lheight, err := t.verifyNode(nd.left, n, order)
	if err != nil {
		return
	}
	*order = append(*order, n)
	rsize, rheight, err := t.verifyNode(nd.right, n, order)
	if err != nil {
		return
	}

	if nd.nleft != lsize || nd.nright != rsize {
		return 0, 0, fmt.Errorf("%w: node %d counts %d/%d, expected %d/%d", errCorrupt, n, nd.nleft, nd.nright, lsize, rsize)
	}

	height = 1 + max(lheight, rheight)
	if nd.height != height {
		return 0, 0, fmt.Errorf("%w: node %d height=%d, expected %d", errCorrupt, n, nd.height, height)
	}
	if b := lheight - rheight; b < -1 || b > 1 {
		return 0, 0, fmt.Errorf("%w: node %d unbalanced by %d", errCorrupt, n, b)
	}

	return lsize + rsize + 1, height, nil
}
