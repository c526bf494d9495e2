package misc

// ListNode is an intrusive doubly-linked list node. Embedding ListNode in
// a struct and taking its address lets that struct be threaded through a
// List without a separate allocation per insertion, matching the
// original's UnownedLinkedList and the scheduler's requirement (spec §9)
// that moving a TaskRecord between ready/blocked never allocates.
type ListNode struct {
	next, prev *ListNode
	owner      interface{}
	linked     bool
}

// Owner returns the value this node was constructed for.
func (n *ListNode) Owner() interface{} { return n.owner }

// NewListNode creates a detached node carrying owner as its payload.
func NewListNode(owner interface{}) *ListNode {
	return &ListNode{owner: owner}
}

// List is an intrusive doubly-linked list of ListNodes.
type List struct {
	head, tail *ListNode
	size       int
}

// Len returns the number of nodes currently linked into the list.
func (l *List) Len() int { return l.size }

// Head returns the first node, or nil if the list is empty.
func (l *List) Head() *ListNode { return l.head }

// Tail returns the last node, or nil if the list is empty.
func (l *List) Tail() *ListNode { return l.tail }

// InsertHead links node at the front of the list. Panics if node is
// already linked into a list.
func (l *List) InsertHead(node *ListNode) {
	l.insertAfter(node, nil)
}

// InsertTail links node at the back of the list.
func (l *List) InsertTail(node *ListNode) {
	l.insertAfter(node, l.tail)
}

func (l *List) insertAfter(node, after *ListNode) {
	if node.linked {
		panic("misc: attempting to re-add a list node already linked")
	}
	node.linked = true

	var tail *ListNode
	if after != nil {
		tail = after.next
	} else {
		tail = l.head
	}

	if tail != nil {
		tail.prev = node
	} else {
		l.tail = node
	}
	node.next = tail

	if after != nil {
		after.next = node
	} else {
		l.head = node
	}
	node.prev = after

	l.size++
}

// Remove unlinks node from the list. It is a no-op on a node that isn't
// linked into any list, matching the original's idempotent remove.
func (l *List) Remove(node *ListNode) {
	if !node.linked {
		return
	}
	node.linked = false
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	node.next = nil
	node.prev = nil
	l.size--
}

// Next returns the node following n, or nil at the tail.
func (n *ListNode) Next() *ListNode { return n.next }

// Prev returns the node preceding n, or nil at the head.
func (n *ListNode) Prev() *ListNode { return n.prev }

// ForEach visits every node from head to tail, calling f with each
// node's owner. f may not mutate the list during iteration.
func (l *List) ForEach(f func(owner interface{})) {
	for n := l.head; n != nil; n = n.next {
		f(n.owner)
	}
}
