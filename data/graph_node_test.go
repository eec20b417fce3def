package data

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

// sharedLandmarkMap builds keyframe 0 (origin) sharing 20 landmarks with keyframe 1 and 3 with
// keyframe 2, plus one landmark shared by keyframes 1 and 2.
func sharedLandmarkMap(t *testing.T) (*testMap, []*Keyframe) {
	tm := newTestMap(t)
	kf0 := tm.addKeyframe(0, 30)
	kf1 := tm.addKeyframe(1, 30)
	kf2 := tm.addKeyframe(2, 30)
	next := LandmarkID(0)
	for i := 0; i < 20; i++ {
		lm := tm.addLandmark(next, r3.Vector{Z: 1}, 0)
		next++
		observe(lm, kf0, i)
		observe(lm, kf1, i)
	}
	for j := 0; j < 3; j++ {
		lm := tm.addLandmark(next, r3.Vector{Z: 1}, 0)
		next++
		observe(lm, kf0, 20+j)
		observe(lm, kf2, j)
	}
	lm := tm.addLandmark(next, r3.Vector{Z: 1}, 1)
	observe(lm, kf1, 25)
	observe(lm, kf2, 25)
	return tm, []*Keyframe{kf0, kf1, kf2}
}

func TestUpdateConnections(t *testing.T) {
	_, kfs := sharedLandmarkMap(t)
	kf0, kf1, kf2 := kfs[0], kfs[1], kfs[2]

	kf0.GraphNode().UpdateConnections()
	test.That(t, kf0.GraphNode().GetConnectionWeights(), test.ShouldResemble, map[KeyframeID]int{1: 20, 2: 3})
	test.That(t, kf1.GraphNode().GetWeight(0), test.ShouldEqual, 20)
	test.That(t, kf2.GraphNode().GetWeight(0), test.ShouldEqual, 3)
	// only the edge over the threshold is ordered
	test.That(t, keyframeIDs(kf0.GraphNode().GetCovisibilities()), test.ShouldResemble, []KeyframeID{1})
	test.That(t, keyframeIDs(kf0.GraphNode().GetConnectedKeyframes()), test.ShouldResemble, []KeyframeID{1, 2})
	// the origin never gets a parent
	_, ok := kf0.GraphNode().GetSpanningParent()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, kf0.GraphNode().State(), test.ShouldEqual, Attached)

	kf2.GraphNode().UpdateConnections()
	test.That(t, kf2.GraphNode().GetConnectionWeights(), test.ShouldResemble, map[KeyframeID]int{0: 3, 1: 1})
	// nothing passes the threshold so the single heaviest edge is listed
	test.That(t, keyframeIDs(kf2.GraphNode().GetCovisibilities()), test.ShouldResemble, []KeyframeID{0})
	parent, ok := kf2.GraphNode().GetSpanningParent()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, parent, test.ShouldEqual, KeyframeID(0))
	test.That(t, kf0.GraphNode().HasSpanningChild(2), test.ShouldBeTrue)
	test.That(t, kf2.GraphNode().State(), test.ShouldEqual, Attached)

	kf1.GraphNode().UpdateConnections()
	parent, _ = kf1.GraphNode().GetSpanningParent()
	test.That(t, parent, test.ShouldEqual, KeyframeID(0))
	test.That(t, kf0.GraphNode().GetSpanningChildren(), test.ShouldResemble, []KeyframeID{1, 2})

	// the parent is only assigned once
	kf2.GraphNode().UpdateConnections()
	parent, _ = kf2.GraphNode().GetSpanningParent()
	test.That(t, parent, test.ShouldEqual, KeyframeID(0))

	// dropping every landmark shared with kf0 removes the reciprocal edge
	for j := 0; j < 3; j++ {
		kf2.EraseLandmarkWithIndex(j)
	}
	kf2.GraphNode().UpdateConnections()
	test.That(t, kf2.GraphNode().GetConnectionWeights(), test.ShouldResemble, map[KeyframeID]int{1: 1})
	test.That(t, kf0.GraphNode().GetWeight(2), test.ShouldEqual, 0)
	test.That(t, kf1.GraphNode().GetWeight(2), test.ShouldEqual, 1)

	// with no shared landmarks at all the edges are left alone
	kf2.EraseLandmarkWithIndex(25)
	kf2.GraphNode().UpdateConnections()
	test.That(t, kf2.GraphNode().GetConnectionWeights(), test.ShouldResemble, map[KeyframeID]int{1: 1})
}

func TestUpdateConnectionsSkipsErasedPeers(t *testing.T) {
	tm, kfs := sharedLandmarkMap(t)
	kfs[1].willBeErased.Store(true)
	kfs[0].GraphNode().UpdateConnections()
	test.That(t, kfs[0].GraphNode().GetConnectionWeights(), test.ShouldResemble, map[KeyframeID]int{2: 3})

	tm.db.EraseKeyframe(2)
	kfs[0].GraphNode().UpdateConnections()
	// no resolvable peer left: nothing changes
	test.That(t, kfs[0].GraphNode().GetConnectionWeights(), test.ShouldResemble, map[KeyframeID]int{2: 3})
}

func TestUpdateConnectionsNeverPicksDescendant(t *testing.T) {
	tm := newTestMap(t)
	tm.addKeyframe(0, 1)
	kf1 := tm.addKeyframe(1, 2)
	kf2 := tm.addKeyframe(2, 2)
	kf2.GraphNode().ChangeSpanningParent(1)

	// kf1 shares more with its own child kf2 than with anything else
	lmA := tm.addLandmark(1, r3.Vector{Z: 1}, 1)
	lmB := tm.addLandmark(2, r3.Vector{Z: 1}, 1)
	observe(lmA, kf1, 0)
	observe(lmA, kf2, 0)
	observe(lmB, kf1, 1)
	observe(lmB, kf2, 1)
	kf1.GraphNode().UpdateConnections()
	test.That(t, kf1.GraphNode().GetWeight(2), test.ShouldEqual, 2)
	_, ok := kf1.GraphNode().GetSpanningParent()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, kf1.GraphNode().State(), test.ShouldEqual, Unattached)
}

func TestCovisibilityOrdering(t *testing.T) {
	tm := newTestMap(t, WithMinNumSharedLandmarks(5))
	kfs := make([]*Keyframe, 6)
	for i := range kfs {
		kfs[i] = tm.addKeyframe(KeyframeID(i), 1)
	}
	node := kfs[0].GraphNode()
	node.AddConnection(1, 10)
	node.AddConnection(2, 30)
	node.AddConnection(3, 10)
	node.AddConnection(4, 5)
	node.AddConnection(5, 6)

	// weight descending, ties by id; weight 5 is not over the threshold
	test.That(t, keyframeIDs(node.GetCovisibilities()), test.ShouldResemble, []KeyframeID{2, 1, 3, 5})
	test.That(t, keyframeIDs(node.GetTopNCovisibilities(2)), test.ShouldResemble, []KeyframeID{2, 1})
	test.That(t, keyframeIDs(node.GetTopNCovisibilities(100)), test.ShouldResemble, []KeyframeID{2, 1, 3, 5})
	test.That(t, node.GetTopNCovisibilities(0), test.ShouldBeEmpty)
	test.That(t, keyframeIDs(node.GetCovisibilitiesOverWeight(10)), test.ShouldResemble, []KeyframeID{2, 1, 3})
	test.That(t, keyframeIDs(node.GetCovisibilitiesOverWeight(11)), test.ShouldResemble, []KeyframeID{2})
	test.That(t, node.GetCovisibilitiesOverWeight(31), test.ShouldBeEmpty)

	node.AddConnection(1, 40)
	test.That(t, keyframeIDs(node.GetCovisibilities()), test.ShouldResemble, []KeyframeID{1, 2, 3, 5})
	node.EraseConnection(1)
	node.EraseConnection(1)
	test.That(t, keyframeIDs(node.GetCovisibilities()), test.ShouldResemble, []KeyframeID{2, 3, 5})
	test.That(t, node.GetWeight(1), test.ShouldEqual, 0)

	// erased keyframes are not resolved
	tm.db.EraseKeyframe(2)
	test.That(t, keyframeIDs(node.GetCovisibilities()), test.ShouldResemble, []KeyframeID{3, 5})
}

func TestEraseAllConnections(t *testing.T) {
	tm := newTestMap(t)
	kf0 := tm.addKeyframe(0, 1)
	kf1 := tm.addKeyframe(1, 1)
	kf2 := tm.addKeyframe(2, 1)
	connect(kf0, kf1, 20)
	connect(kf0, kf2, 30)
	connect(kf1, kf2, 40)

	kf0.GraphNode().EraseAllConnections()
	test.That(t, kf0.GraphNode().GetConnectionWeights(), test.ShouldBeEmpty)
	test.That(t, kf0.GraphNode().GetCovisibilities(), test.ShouldBeEmpty)
	test.That(t, kf1.GraphNode().GetConnectionWeights(), test.ShouldResemble, map[KeyframeID]int{2: 40})
	test.That(t, kf2.GraphNode().GetConnectionWeights(), test.ShouldResemble, map[KeyframeID]int{1: 40})
}

func TestChangeSpanningParent(t *testing.T) {
	tm := newTestMap(t)
	tm.addKeyframe(0, 1)
	kf1 := tm.addKeyframe(1, 1)
	kf2 := tm.addKeyframe(2, 1)
	kf3 := tm.addKeyframe(3, 1)

	kf3.GraphNode().ChangeSpanningParent(1)
	test.That(t, kf1.GraphNode().GetSpanningChildren(), test.ShouldResemble, []KeyframeID{3})
	kf3.GraphNode().ChangeSpanningParent(2)
	test.That(t, kf1.GraphNode().GetSpanningChildren(), test.ShouldBeEmpty)
	test.That(t, kf2.GraphNode().GetSpanningChildren(), test.ShouldResemble, []KeyframeID{3})
	parent, ok := kf3.GraphNode().GetSpanningParent()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, parent, test.ShouldEqual, KeyframeID(2))

	// raw setters touch one side only
	kf1.GraphNode().SetSpanningParent(0)
	test.That(t, tm.db.GetKeyframe(0).GraphNode().HasSpanningChild(1), test.ShouldBeFalse)
	kf1.GraphNode().AddSpanningChild(9)
	test.That(t, kf1.GraphNode().HasSpanningChild(9), test.ShouldBeTrue)
	kf1.GraphNode().EraseSpanningChild(9)
	test.That(t, kf1.GraphNode().HasSpanningChild(9), test.ShouldBeFalse)
}

// recoveryMap builds origin 0 with child 1, and 2 and 3 children of 1. Keyframe 2 is covisible
// with 3 (weight 20) and 0 (weight 5); 3 is covisible with 0 (weight 10).
func recoveryMap(t *testing.T) (*testMap, []*Keyframe) {
	tm := newTestMap(t)
	kfs := make([]*Keyframe, 4)
	for i := range kfs {
		kfs[i] = tm.addKeyframe(KeyframeID(i), 1)
	}
	kfs[1].GraphNode().ChangeSpanningParent(0)
	kfs[2].GraphNode().ChangeSpanningParent(1)
	kfs[3].GraphNode().ChangeSpanningParent(1)
	connect(kfs[0], kfs[1], 30)
	connect(kfs[1], kfs[2], 50)
	connect(kfs[1], kfs[3], 50)
	connect(kfs[2], kfs[3], 20)
	connect(kfs[2], kfs[0], 5)
	connect(kfs[3], kfs[0], 10)
	test.That(t, tm.db.CheckStructure(), test.ShouldBeNil)
	return tm, kfs
}

func TestRecoverSpanningConnections(t *testing.T) {
	tm, kfs := recoveryMap(t)
	node := kfs[1].GraphNode()
	node.EraseAllConnections()
	node.RecoverSpanningConnections(0)

	// 3 attaches to the origin first; 2 then prefers the re-parented 3 over the origin
	parent, _ := kfs[3].GraphNode().GetSpanningParent()
	test.That(t, parent, test.ShouldEqual, KeyframeID(0))
	parent, _ = kfs[2].GraphNode().GetSpanningParent()
	test.That(t, parent, test.ShouldEqual, KeyframeID(3))
	test.That(t, node.GetSpanningChildren(), test.ShouldBeEmpty)
	test.That(t, kfs[0].GraphNode().GetSpanningChildren(), test.ShouldResemble, []KeyframeID{3})
	test.That(t, kfs[3].GraphNode().GetSpanningChildren(), test.ShouldResemble, []KeyframeID{2})
	test.That(t, node.State(), test.ShouldEqual, Detached)

	tm.db.EraseKeyframe(1)
	test.That(t, tm.db.CheckStructure(), test.ShouldBeNil)
}

func TestRecoverSpanningConnectionsFallsBackToRoot(t *testing.T) {
	tm := newTestMap(t)
	kfs := make([]*Keyframe, 4)
	for i := range kfs {
		kfs[i] = tm.addKeyframe(KeyframeID(i), 1)
	}
	kfs[1].GraphNode().ChangeSpanningParent(0)
	kfs[2].GraphNode().ChangeSpanningParent(1)
	kfs[3].GraphNode().ChangeSpanningParent(2)
	// 2's only other neighbour is its own child
	connect(kfs[2], kfs[3], 40)

	kfs[1].GraphNode().RecoverSpanningConnections(0)
	parent, _ := kfs[2].GraphNode().GetSpanningParent()
	test.That(t, parent, test.ShouldEqual, KeyframeID(0))
	parent, _ = kfs[3].GraphNode().GetSpanningParent()
	test.That(t, parent, test.ShouldEqual, KeyframeID(2))
	test.That(t, kfs[0].GraphNode().GetSpanningChildren(), test.ShouldResemble, []KeyframeID{2})

	tm.db.EraseKeyframe(1)
	test.That(t, tm.db.CheckStructure(), test.ShouldBeNil)
}

func TestLoopEdges(t *testing.T) {
	tm := newTestMap(t)
	kf0 := tm.addKeyframe(0, 1)
	kf1 := tm.addKeyframe(1, 1)
	kf2 := tm.addKeyframe(2, 1)
	kf1.GraphNode().ChangeSpanningParent(0)
	kf2.GraphNode().ChangeSpanningParent(1)

	test.That(t, kf0.GraphNode().HasLoopEdge(), test.ShouldBeFalse)
	kf2.GraphNode().AddLoopEdge(0)
	test.That(t, kf0.GraphNode().HasLoopEdgeWith(2), test.ShouldBeTrue)
	test.That(t, kf2.GraphNode().HasLoopEdgeWith(0), test.ShouldBeTrue)
	test.That(t, kf1.GraphNode().HasLoopEdge(), test.ShouldBeFalse)
	kf1.GraphNode().AddLoopEdge(0)
	test.That(t, kf0.GraphNode().GetLoopEdges(), test.ShouldResemble, []KeyframeID{1, 2})
	test.That(t, kf0.IsPinned(), test.ShouldBeTrue)
	test.That(t, tm.db.CheckStructure(), test.ShouldBeNil)
}

func TestNodeStateString(t *testing.T) {
	test.That(t, Erasing.String(), test.ShouldEqual, "Erasing")
	test.That(t, NodeState(9).String(), test.ShouldEqual, "NodeState(9)")
}
