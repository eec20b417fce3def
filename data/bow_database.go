package data

import (
	"slices"
	"sync"

	"github.com/tidwall/btree"
	"golang.org/x/exp/maps"
)

// BowDatabase is an inverted index from bag-of-words word ids to the keyframes containing them.
type BowDatabase struct {
	mu    sync.Mutex
	index map[uint32]*btree.Set[KeyframeID]
}

// NewBowDatabase returns an empty index.
func NewBowDatabase() *BowDatabase {
	return &BowDatabase{index: map[uint32]*btree.Set[KeyframeID]{}}
}

// AddKeyframe indexes kf under every word of its bag-of-words vector. Keyframes without a
// computed vector are ignored.
func (bdb *BowDatabase) AddKeyframe(kf *Keyframe) {
	words := kf.BowVector().Words()
	bdb.mu.Lock()
	defer bdb.mu.Unlock()
	for _, w := range words {
		set, ok := bdb.index[w]
		if !ok {
			set = &btree.Set[KeyframeID]{}
			bdb.index[w] = set
		}
		set.Insert(kf.id)
	}
}

// EraseKeyframe implements PlaceRecognitionIndex.
func (bdb *BowDatabase) EraseKeyframe(kf *Keyframe) {
	words := kf.BowVector().Words()
	bdb.mu.Lock()
	defer bdb.mu.Unlock()
	for _, w := range words {
		set, ok := bdb.index[w]
		if !ok {
			continue
		}
		set.Delete(kf.id)
		if set.Len() == 0 {
			delete(bdb.index, w)
		}
	}
}

// Candidates returns the ids of keyframes containing word, in ascending order.
func (bdb *BowDatabase) Candidates(word uint32) []KeyframeID {
	bdb.mu.Lock()
	defer bdb.mu.Unlock()
	set, ok := bdb.index[word]
	if !ok {
		return nil
	}
	ids := make([]KeyframeID, 0, set.Len())
	set.Scan(func(id KeyframeID) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// SharedWordCounts returns, for every other indexed keyframe sharing a word with kf, the number
// of words they share.
func (bdb *BowDatabase) SharedWordCounts(kf *Keyframe) map[KeyframeID]int {
	words := kf.BowVector().Words()
	counts := map[KeyframeID]int{}
	bdb.mu.Lock()
	defer bdb.mu.Unlock()
	for _, w := range words {
		set, ok := bdb.index[w]
		if !ok {
			continue
		}
		set.Scan(func(id KeyframeID) bool {
			if id != kf.id {
				counts[id]++
			}
			return true
		})
	}
	return counts
}

// Words returns the indexed word ids in ascending order.
func (bdb *BowDatabase) Words() []uint32 {
	bdb.mu.Lock()
	defer bdb.mu.Unlock()
	words := maps.Keys(bdb.index)
	slices.Sort(words)
	return words
}

// Clear empties the index.
func (bdb *BowDatabase) Clear() {
	bdb.mu.Lock()
	defer bdb.mu.Unlock()
	bdb.index = map[uint32]*btree.Set[KeyframeID]{}
}
