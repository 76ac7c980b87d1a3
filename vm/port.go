package vm

// ---------------------------------------------------------------------------
// Port: Integer capability addressing a message destination
// ---------------------------------------------------------------------------

// Port is an opaque integer capability identifying a message destination.
// A port is scoped to the isolate whose loop opened it: while open it
// routes to exactly that loop, and its identity is never reused while
// registered.
type Port uint64

// IllegalPort is the reserved "invalid/none" sentinel.
const IllegalPort Port = 0

// portMap is the process-wide table of open ports, one per Runtime. A
// single lock guards the table; ids are randomized so port values carry no
// allocation-order information across isolates.
type portMap struct {
	mu     Mutex
	ports  map[Port]MessageLoop
	random *Random
}

func newPortMap(seed uint64) *portMap {
	return &portMap{
		ports:  make(map[Port]MessageLoop),
		random: NewRandom(seed),
	}
}

// open registers a fresh port routing to loop.
func (pm *portMap) open(loop MessageLoop) Port {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for {
		p := Port(pm.random.NextUint64())
		if p == IllegalPort {
			continue
		}
		if _, taken := pm.ports[p]; taken {
			continue
		}
		pm.ports[p] = loop
		return p
	}
}

// close unregisters p if it is open and owned by loop. Returns whether a
// registration was removed.
func (pm *portMap) close(p Port, loop MessageLoop) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.ports[p] != loop {
		return false
	}
	delete(pm.ports, p)
	return true
}

// lookup resolves p to its owning loop, or nil if the port is closed.
func (pm *portMap) lookup(p Port) MessageLoop {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.ports[p]
}

// closeAllForLoop drops every port routing to loop. Used during isolate
// teardown so late senders see a clean routing failure. Returns the number
// of ports closed.
func (pm *portMap) closeAllForLoop(loop MessageLoop) int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	n := 0
	for p, l := range pm.ports {
		if l == loop {
			delete(pm.ports, p)
			n++
		}
	}
	return n
}
