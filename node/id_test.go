package node_test

import (
	"testing"

	"github.com/atbus-go/atbus/node"
)

func TestIsChildAndIsParent(t *testing.T) {
	const (
		p     node.ID = 0x12345678
		pMask         = 16
		c     node.ID = 0x12346789
		cMask         = 8
	)
	if !p.IsChild(pMask, c, cMask) {
		t.Fatal("expected c to be a child of p")
	}
	if !c.IsParent(cMask, p, pMask) {
		t.Fatal("expected p to be the parent of c")
	}
	if p.IsChild(pMask, p, pMask) {
		t.Fatal("a node is never its own child")
	}
}

func TestIsSibling(t *testing.T) {
	const (
		p      node.ID = 0x12345678
		pMask          = 16
		c1     node.ID = 0x12346789
		c1Mask         = 8
		c2     node.ID = 0x12346890
		c2Mask         = 8
	)
	if !c1.IsSibling(c1Mask, c2, c2Mask, pMask) {
		t.Fatal("expected c1 and c2 to be siblings under p")
	}
	if c1.IsSibling(c1Mask, c1, c1Mask, pMask) {
		t.Fatal("a node is never its own sibling")
	}
	// two nodes under entirely different parent prefixes are not siblings
	const other node.ID = 0x99990000
	if c1.IsSibling(c1Mask, other, c2Mask, pMask) {
		t.Fatal("expected no sibling relation across different parent prefixes")
	}
}

func TestChildrenRangeAndContains(t *testing.T) {
	const id node.ID = 0x12346789
	lo, hi := node.ChildrenRange(id, 8)
	if lo != 0x12346700 || hi != 0x123467ff {
		t.Fatalf("got [%#x, %#x]", lo, hi)
	}
	if !node.Contains(id, 8, 0x12346755) {
		t.Fatal("expected id within own range")
	}
	if node.Contains(id, 8, 0x12346800) {
		t.Fatal("expected id outside own range")
	}
}

func TestIsConfiguredParent(t *testing.T) {
	const self, parent node.ID = 0x1, 0x2
	if parent.IsConfiguredParent(self) {
		t.Fatal("self is not its own configured parent")
	}
	if !parent.IsConfiguredParent(parent) {
		t.Fatal("equality should hold for the configured parent id")
	}
}
