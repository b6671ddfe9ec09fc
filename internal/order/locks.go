package order

import "sync"

// lockTable hands out one mutex per (account, symbol) tuple. The supervisor
// mutex guards creation so a tuple's lock exists at most once; the tuple
// lock itself is held for a whole rebalance read-plan-write cycle.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *lockTable) forPair(accountID, symbol string) *sync.Mutex {
	key := accountID + "|" + symbol
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	t.locks[key] = l
	return l
}
