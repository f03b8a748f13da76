package neo4jgraph

import (
	"sync"
)

// Neo4j's read-committed isolation lets a read that spans several statements
// observe some, but not all, of a concurrent write. Reading the transfer edges
// while a projection is half applied would report a debit without its credit.
//
// graphWRMutex adapts sync.RWMutex to that access pattern: any number of
// projections may write concurrently, but a read of the graph is exclusive. The
// zero value for a graphWRMutex is an unlocked mutex.
//
// The memory-model guarantees of sync.RWMutex carry over: the n'th call to
// WUnlock synchronises before the m'th call to Lock.
type graphWRMutex sync.RWMutex

// WLock locks wr for writing. It should not be used for recursive write locking;
// a blocked Lock call excludes new writers from acquiring the lock.
func (wr *graphWRMutex) WLock() {
	(*sync.RWMutex)(wr).RLock()
}

// WUnlock undoes a single WLock call.
func (wr *graphWRMutex) WUnlock() {
	(*sync.RWMutex)(wr).RUnlock()
}

// Lock locks wr for reading, blocking until every writer is done.
func (wr *graphWRMutex) Lock() {
	(*sync.RWMutex)(wr).Lock()
}

func (wr *graphWRMutex) Unlock() {
	(*sync.RWMutex)(wr).Unlock()
}
