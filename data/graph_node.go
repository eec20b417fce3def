package data

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"golang.org/x/exp/maps"
)

// NodeState is where a graph node is in its lifecycle.
type NodeState int

// The graph node lifecycle. A node is Unattached until it gets a spanning parent (or is the
// origin), Erasing while its children are being re-parented, and Detached once it has left the
// spanning tree for good.
const (
	Unattached NodeState = iota
	Attached
	Erasing
	Detached
)

func (s NodeState) String() string {
	switch s {
	case Unattached:
		return "Unattached"
	case Attached:
		return "Attached"
	case Erasing:
		return "Erasing"
	case Detached:
		return "Detached"
	}
	return fmt.Sprintf("NodeState(%d)", int(s))
}

// GraphNode holds a keyframe's place in the covisibility graph, the spanning tree, and the loop
// edge set. Neighbours are referenced by id and resolved through the arena.
type GraphNode struct {
	owner *Keyframe
	arena KeyframeArena

	mu    sync.Mutex
	state NodeState

	connectedKeyframesAndWeights map[KeyframeID]int
	// ordered by weight descending, then id ascending
	orderedCovisibilities []KeyframeID
	orderedWeights        []int

	spanningParent         KeyframeID
	hasSpanningParent      bool
	spanningParentIsNotSet bool
	spanningChildren       map[KeyframeID]struct{}

	loopEdges map[KeyframeID]struct{}
}

func newGraphNode(owner *Keyframe, arena KeyframeArena) *GraphNode {
	return &GraphNode{
		owner:                        owner,
		arena:                        arena,
		connectedKeyframesAndWeights: map[KeyframeID]int{},
		spanningParentIsNotSet:       true,
		spanningChildren:             map[KeyframeID]struct{}{},
		loopEdges:                    map[KeyframeID]struct{}{},
	}
}

// State returns the lifecycle state.
func (n *GraphNode) State() NodeState {
	isOrigin := n.arena.IsOrigin(n.owner.id)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Unattached && isOrigin {
		return Attached
	}
	return n.state
}

func (n *GraphNode) nodeOf(id KeyframeID) *GraphNode {
	kf := n.arena.GetKeyframe(id)
	if kf == nil {
		return nil
	}
	return kf.graphNode
}

type weightedKeyframe struct {
	id     KeyframeID
	weight int
}

// sortByWeight orders edges by weight descending, breaking ties by ascending id.
func sortByWeight(edges []weightedKeyframe) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].weight != edges[j].weight {
			return edges[i].weight > edges[j].weight
		}
		return edges[i].id < edges[j].id
	})
}

// updateCovisibilityOrders rebuilds the ordered covisibilities. Edges heavier than the
// minimum shared landmark count are listed; if none qualifies the single heaviest edge is.
// Requires n.mu.
func (n *GraphNode) updateCovisibilityOrders() {
	edges := make([]weightedKeyframe, 0, len(n.connectedKeyframesAndWeights))
	for id, weight := range n.connectedKeyframesAndWeights {
		edges = append(edges, weightedKeyframe{id, weight})
	}
	sortByWeight(edges)
	minNumShared := n.arena.MinNumSharedLandmarks()
	numListed := 0
	for _, e := range edges {
		if e.weight <= minNumShared {
			break
		}
		numListed++
	}
	if numListed == 0 && len(edges) > 0 {
		numListed = 1
	}
	n.orderedCovisibilities = make([]KeyframeID, numListed)
	n.orderedWeights = make([]int, numListed)
	for i, e := range edges[:numListed] {
		n.orderedCovisibilities[i] = e.id
		n.orderedWeights[i] = e.weight
	}
}

// AddConnection sets the covisibility weight to another keyframe. This side only.
func (n *GraphNode) AddConnection(id KeyframeID, weight int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.connectedKeyframesAndWeights[id]; ok && existing == weight {
		return
	}
	n.connectedKeyframesAndWeights[id] = weight
	n.updateCovisibilityOrders()
}

// EraseConnection removes the covisibility edge to another keyframe. This side only.
func (n *GraphNode) EraseConnection(id KeyframeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.connectedKeyframesAndWeights[id]; !ok {
		return
	}
	delete(n.connectedKeyframesAndWeights, id)
	n.updateCovisibilityOrders()
}

// EraseAllConnections removes every covisibility edge on both sides.
func (n *GraphNode) EraseAllConnections() {
	n.mu.Lock()
	peers := make([]KeyframeID, 0, len(n.connectedKeyframesAndWeights))
	for id := range n.connectedKeyframesAndWeights {
		peers = append(peers, id)
	}
	n.connectedKeyframesAndWeights = map[KeyframeID]int{}
	n.orderedCovisibilities = nil
	n.orderedWeights = nil
	n.mu.Unlock()

	for _, id := range peers {
		if peer := n.nodeOf(id); peer != nil {
			peer.EraseConnection(n.owner.id)
		}
	}
}

// UpdateConnections recomputes the covisibility edges from the landmarks the keyframe shares with
// other keyframes, mirrors them on the peers, and picks a spanning parent the first time the
// keyframe gets any edge.
func (n *GraphNode) UpdateConnections() {
	ownID := n.owner.id
	counts := map[KeyframeID]int{}
	for _, lm := range n.owner.GetLandmarks() {
		if !isValidLandmark(lm) {
			continue
		}
		for id := range lm.GetObservations() {
			if id == ownID {
				continue
			}
			counts[id]++
		}
	}

	weights := make(map[KeyframeID]int, len(counts))
	peers := make(map[KeyframeID]*GraphNode, len(counts))
	for id, weight := range counts {
		kf := n.arena.GetKeyframe(id)
		if kf == nil || kf.WillBeErased() {
			continue
		}
		weights[id] = weight
		peers[id] = kf.graphNode
	}
	if len(weights) == 0 {
		return
	}

	n.mu.Lock()
	previous := n.connectedKeyframesAndWeights
	n.connectedKeyframesAndWeights = weights
	n.updateCovisibilityOrders()
	needsParent := n.spanningParentIsNotSet
	n.mu.Unlock()

	for id, peer := range peers {
		peer.AddConnection(ownID, weights[id])
	}
	for id := range previous {
		if _, ok := weights[id]; ok {
			continue
		}
		if peer := n.nodeOf(id); peer != nil {
			peer.EraseConnection(ownID)
		}
	}

	if !needsParent || n.arena.IsOrigin(ownID) {
		return
	}
	candidates := make([]weightedKeyframe, 0, len(weights))
	for id, weight := range weights {
		candidates = append(candidates, weightedKeyframe{id, weight})
	}
	sortByWeight(candidates)
	for _, c := range candidates {
		if n.isAncestorOf(c.id) {
			continue
		}
		n.mu.Lock()
		if !n.spanningParentIsNotSet {
			n.mu.Unlock()
			return
		}
		n.setSpanningParentLocked(c.id)
		n.mu.Unlock()
		peers[c.id].AddSpanningChild(ownID)
		return
	}
}

// isAncestorOf reports whether this node lies on the parent chain of id.
func (n *GraphNode) isAncestorOf(id KeyframeID) bool {
	visited := map[KeyframeID]struct{}{}
	for {
		if id == n.owner.id {
			return true
		}
		if _, ok := visited[id]; ok {
			return false
		}
		visited[id] = struct{}{}
		node := n.nodeOf(id)
		if node == nil {
			return false
		}
		parent, ok := node.GetSpanningParent()
		if !ok {
			return false
		}
		id = parent
	}
}

// GetConnectedKeyframes returns every covisible keyframe still in the map, ordered by id.
func (n *GraphNode) GetConnectedKeyframes() []*Keyframe {
	n.mu.Lock()
	ids := maps.Keys(n.connectedKeyframesAndWeights)
	n.mu.Unlock()
	slices.Sort(ids)
	return n.resolve(ids)
}

// GetConnectionWeights returns a snapshot of the covisibility edges.
func (n *GraphNode) GetConnectionWeights() map[KeyframeID]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	weights := make(map[KeyframeID]int, len(n.connectedKeyframesAndWeights))
	for id, w := range n.connectedKeyframesAndWeights {
		weights[id] = w
	}
	return weights
}

// GetCovisibilities returns the ordered covisibilities, heaviest first.
func (n *GraphNode) GetCovisibilities() []*Keyframe {
	n.mu.Lock()
	ids := append([]KeyframeID(nil), n.orderedCovisibilities...)
	n.mu.Unlock()
	return n.resolve(ids)
}

// GetTopNCovisibilities returns at most num of the ordered covisibilities.
func (n *GraphNode) GetTopNCovisibilities(num int) []*Keyframe {
	n.mu.Lock()
	if num > len(n.orderedCovisibilities) {
		num = len(n.orderedCovisibilities)
	}
	if num < 0 {
		num = 0
	}
	ids := append([]KeyframeID(nil), n.orderedCovisibilities[:num]...)
	n.mu.Unlock()
	return n.resolve(ids)
}

// GetCovisibilitiesOverWeight returns the ordered covisibilities with weight at least weight.
func (n *GraphNode) GetCovisibilitiesOverWeight(weight int) []*Keyframe {
	n.mu.Lock()
	end := sort.Search(len(n.orderedWeights), func(i int) bool { return n.orderedWeights[i] < weight })
	ids := append([]KeyframeID(nil), n.orderedCovisibilities[:end]...)
	n.mu.Unlock()
	return n.resolve(ids)
}

// GetWeight returns the covisibility weight to id, 0 if not connected.
func (n *GraphNode) GetWeight(id KeyframeID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connectedKeyframesAndWeights[id]
}

func (n *GraphNode) resolve(ids []KeyframeID) []*Keyframe {
	kfs := make([]*Keyframe, 0, len(ids))
	for _, id := range ids {
		if kf := n.arena.GetKeyframe(id); kf != nil {
			kfs = append(kfs, kf)
		}
	}
	return kfs
}

// Requires n.mu.
func (n *GraphNode) setSpanningParentLocked(id KeyframeID) {
	n.spanningParent = id
	n.hasSpanningParent = true
	n.spanningParentIsNotSet = false
	if n.state == Unattached {
		n.state = Attached
	}
}

// SetSpanningParent sets the parent without touching the parent's children.
func (n *GraphNode) SetSpanningParent(id KeyframeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setSpanningParentLocked(id)
}

// GetSpanningParent returns the parent id; ok is false for the root and unattached nodes.
func (n *GraphNode) GetSpanningParent() (KeyframeID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.spanningParent, n.hasSpanningParent
}

// ChangeSpanningParent moves this node under a new parent, updating both parents' child sets.
func (n *GraphNode) ChangeSpanningParent(id KeyframeID) {
	ownID := n.owner.id
	n.mu.Lock()
	old, hadOld := n.spanningParent, n.hasSpanningParent
	n.setSpanningParentLocked(id)
	n.mu.Unlock()

	if hadOld && old == id {
		return
	}
	if hadOld {
		if oldNode := n.nodeOf(old); oldNode != nil {
			oldNode.EraseSpanningChild(ownID)
		}
	}
	if newNode := n.nodeOf(id); newNode != nil {
		newNode.AddSpanningChild(ownID)
	}
}

// AddSpanningChild adds a child without touching the child's parent.
func (n *GraphNode) AddSpanningChild(id KeyframeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.spanningChildren[id] = struct{}{}
}

// EraseSpanningChild removes a child without touching the child's parent.
func (n *GraphNode) EraseSpanningChild(id KeyframeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.spanningChildren, id)
}

// GetSpanningChildren returns the child ids in ascending order.
func (n *GraphNode) GetSpanningChildren() []KeyframeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedIDs(n.spanningChildren)
}

// HasSpanningChild reports whether id is a child of this node.
func (n *GraphNode) HasSpanningChild(id KeyframeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.spanningChildren[id]
	return ok
}

// RecoverSpanningConnections re-parents this node's children before it leaves the tree. Children
// are attached greedily: each round picks the heaviest covisibility edge from a remaining child to
// a keyframe whose parent chain reaches root without passing through this node. A re-parented
// child becomes a valid parent for the others. Children left without a candidate go to root.
// Finally this node is removed from its own parent's children.
func (n *GraphNode) RecoverSpanningConnections(root KeyframeID) {
	ownID := n.owner.id

	n.mu.Lock()
	remaining := sortedIDs(n.spanningChildren)
	parent, hasParent := n.spanningParent, n.hasSpanningParent
	n.state = Erasing
	n.mu.Unlock()

	// only positive results are cached; the tree changes as children move
	reachesRoot := map[KeyframeID]bool{root: true}
	hasPathToRoot := func(id KeyframeID) bool {
		visited := map[KeyframeID]struct{}{}
		for {
			if reachesRoot[id] {
				return true
			}
			if id == ownID {
				return false
			}
			if _, ok := visited[id]; ok {
				return false
			}
			visited[id] = struct{}{}
			node := n.nodeOf(id)
			if node == nil || node.owner.WillBeErased() {
				return false
			}
			next, ok := node.GetSpanningParent()
			if !ok {
				return false
			}
			id = next
		}
	}

	for len(remaining) > 0 {
		bestWeight := -1
		bestChildIdx := -1
		var bestParent KeyframeID
		for i, childID := range remaining {
			child := n.arena.GetKeyframe(childID)
			if child == nil || child.WillBeErased() {
				continue
			}
			weights := child.graphNode.GetConnectionWeights()
			candidates := maps.Keys(weights)
			slices.Sort(candidates)
			for _, candID := range candidates {
				if candID == ownID || weights[candID] <= bestWeight {
					continue
				}
				if !hasPathToRoot(candID) {
					continue
				}
				bestWeight = weights[candID]
				bestChildIdx = i
				bestParent = candID
			}
		}
		if bestChildIdx < 0 {
			break
		}
		childID := remaining[bestChildIdx]
		n.nodeOf(childID).ChangeSpanningParent(bestParent)
		reachesRoot[childID] = true
		remaining = append(remaining[:bestChildIdx], remaining[bestChildIdx+1:]...)
	}

	for _, childID := range remaining {
		if child := n.nodeOf(childID); child != nil {
			child.ChangeSpanningParent(root)
		}
	}

	n.mu.Lock()
	n.spanningChildren = map[KeyframeID]struct{}{}
	n.mu.Unlock()
	if hasParent {
		if parentNode := n.nodeOf(parent); parentNode != nil {
			parentNode.EraseSpanningChild(ownID)
		}
	}

	n.mu.Lock()
	n.state = Detached
	n.mu.Unlock()
}

// AddLoopEdge connects this keyframe and id by a loop edge on both sides and pins both.
func (n *GraphNode) AddLoopEdge(id KeyframeID) {
	n.addLoopEdge(id)
	n.owner.SetNotToBeErased()
	if other := n.arena.GetKeyframe(id); other != nil {
		other.graphNode.addLoopEdge(n.owner.id)
		other.SetNotToBeErased()
	}
}

func (n *GraphNode) addLoopEdge(id KeyframeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.loopEdges[id] = struct{}{}
}

// HasLoopEdge reports whether the keyframe has any loop edge.
func (n *GraphNode) HasLoopEdge() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.loopEdges) != 0
}

// HasLoopEdgeWith reports whether there is a loop edge to id.
func (n *GraphNode) HasLoopEdgeWith(id KeyframeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.loopEdges[id]
	return ok
}

// GetLoopEdges returns the loop edge ids in ascending order.
func (n *GraphNode) GetLoopEdges() []KeyframeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedIDs(n.loopEdges)
}

func sortedIDs(set map[KeyframeID]struct{}) []KeyframeID {
	ids := maps.Keys(set)
	slices.Sort(ids)
	return ids
}
