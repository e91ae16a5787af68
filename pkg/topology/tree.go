package topology

import "fmt"

// Tree is the static spanning tree over ranks [0, Size). Rank 0 is the
// root. Fanout 0 builds a star; otherwise rank r's children are
// Fanout*r+1 .. Fanout*r+Fanout.
type Tree struct {
	Size   int
	Fanout int
}

func (t Tree) Valid(r int) bool { return r >= 0 && r < t.Size }

func (t Tree) String() string {
	if t.Fanout <= 0 {
		return fmt.Sprintf("star(%d)", t.Size)
	}
	return fmt.Sprintf("%d-ary(%d)", t.Fanout, t.Size)
}

// Parent returns -1 for the root and for ranks outside the tree.
func (t Tree) Parent(r int) int {
	if r <= 0 || r >= t.Size {
		return -1
	}
	if t.Fanout <= 0 {
		return 0
	}
	return (r - 1) / t.Fanout
}

func (t Tree) Children(r int) []int {
	if !t.Valid(r) {
		return nil
	}
	if t.Fanout <= 0 {
		if r != 0 {
			return nil
		}
		out := make([]int, 0, t.Size-1)
		for c := 1; c < t.Size; c++ {
			out = append(out, c)
		}
		return out
	}
	var out []int
	for c := t.Fanout*r + 1; c <= t.Fanout*r+t.Fanout && c < t.Size; c++ {
		out = append(out, c)
	}
	return out
}

func (t Tree) Depth(r int) int {
	d := 0
	for p := t.Parent(r); p >= 0; p = t.Parent(p) {
		d++
	}
	return d
}

// InSubtree reports whether r lies in the subtree rooted at root.
func (t Tree) InSubtree(root, r int) bool {
	if !t.Valid(root) || !t.Valid(r) {
		return false
	}
	for x := r; x >= 0; x = t.Parent(x) {
		if x == root {
			return true
		}
	}
	return false
}

// NextHop is the neighbour of self on the unique tree path to dest: the
// child whose subtree holds dest, else the parent. It returns self when
// dest == self and -1 when dest is not in the tree.
func (t Tree) NextHop(self, dest int) int {
	if !t.Valid(self) || !t.Valid(dest) {
		return -1
	}
	if self == dest {
		return self
	}
	for x := dest; x >= 0; x = t.Parent(x) {
		if t.Parent(x) == self {
			return x
		}
	}
	return t.Parent(self)
}

// Neighbours lists the parent (if any) followed by the children.
func (t Tree) Neighbours(r int) []int {
	var out []int
	if p := t.Parent(r); p >= 0 {
		out = append(out, p)
	}
	return append(out, t.Children(r)...)
}
