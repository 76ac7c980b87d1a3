package main

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/primordialsoup/psoup/vm"
)

// snapshotHeap is a placeholder heap collaborator: it holds the snapshot
// bytes and nothing else. A real object heap plugs in through the same
// factory.
type snapshotHeap struct {
	snapshot []byte
}

func newSnapshotHeap(snapshot []byte) (vm.Heap, error) {
	return &snapshotHeap{snapshot: snapshot}, nil
}

func (h *snapshotHeap) Size() int { return len(h.snapshot) }
func (h *snapshotHeap) Teardown() { h.snapshot = nil }

// inputKind tags the unit of input staged by an activation.
type inputKind int

const (
	inputNone inputKind = iota
	inputMessage
	inputWakeup
	inputSignal
)

// shellInterpreter is a demonstration interpreter. The main isolate spawns
// one child per program argument; each child reports back through a
// control port, and when every child has reported the main isolate closes
// its last port and the runtime winds down. It shows the activation
// protocol (install input, then Interpret) and the CBOR payload codec; a
// bytecode interpreter replaces it through the same factory.
type shellInterpreter struct {
	iso *vm.Isolate

	// Input staged by the current activation, consumed by Interpret.
	kind inputKind
	dest vm.Port
	data []byte
	argv []string

	control  vm.Port
	expected int
	acked    int
}

func newShellInterpreter(iso *vm.Isolate) (vm.Interpreter, error) {
	return &shellInterpreter{iso: iso}, nil
}

func (si *shellInterpreter) ActivateMessage(dest vm.Port, data []byte, argv []string) {
	si.kind = inputMessage
	si.dest = dest
	// The envelope owns its payload; keep a copy.
	si.data = append([]byte(nil), data...)
	si.argv = argv
}

func (si *shellInterpreter) ActivateWakeup() {
	si.kind = inputWakeup
}

func (si *shellInterpreter) ActivateSignal(handle, status, signals, count uintptr) {
	si.kind = inputSignal
}

func (si *shellInterpreter) Interpret() {
	kind := si.kind
	si.kind = inputNone
	switch kind {
	case inputMessage:
		if si.argv != nil {
			si.bootstrap(si.argv)
		} else {
			si.receive(si.dest, si.data)
		}
	case inputWakeup, inputSignal:
		// The demo program schedules no timers and awaits no handles.
	}
	si.data = nil
	si.argv = nil
}

// bootstrap handles the isolate's initial event. The main isolate gets the
// program argv; children get a CBOR spawn request as their first (byte)
// message, so bootstrap with argv means "I am the main isolate".
func (si *shellInterpreter) bootstrap(argv []string) {
	if len(argv) < 2 {
		fmt.Println("psoup: nothing to do")
		return
	}
	si.control = si.iso.Loop().OpenPort()
	for _, arg := range argv[1:] {
		req := &vm.SpawnRequest{
			ID:      uuid.New(),
			Argv:    []string{arg},
			Seed:    si.iso.Random().NextUint64(),
			ReplyTo: si.control,
		}
		payload, err := vm.MarshalSpawnRequest(req)
		if err != nil {
			fmt.Printf("psoup: encoding spawn request: %v\n", err)
			continue
		}
		if _, err := si.iso.Spawn(vm.NewByteMessage(vm.IllegalPort, payload), req.Seed); err != nil {
			fmt.Printf("psoup: spawn failed: %v\n", err)
			continue
		}
		si.expected++
	}
	if si.expected == 0 {
		si.iso.Loop().ClosePort(si.control)
	}
}

// receive handles a byte-payload message: a spawn request when this
// isolate is a freshly bootstrapped child, a spawn ack when it is the main
// isolate collecting reports.
func (si *shellInterpreter) receive(dest vm.Port, data []byte) {
	if dest == vm.IllegalPort {
		// Child bootstrap: do the work, report back, keep no ports open
		// so the loop drains.
		req, err := vm.UnmarshalSpawnRequest(data)
		if err != nil {
			fmt.Printf("psoup: bad spawn request: %v\n", err)
			return
		}
		fmt.Printf("isolate %d: %v (salt %x)\n", si.iso.ID(), req.Argv, si.iso.Salt())
		if req.ReplyTo == vm.IllegalPort {
			return
		}
		ack := &vm.SpawnAck{ID: req.ID, Isolate: si.iso.ID()}
		payload, err := vm.MarshalSpawnAck(ack)
		if err != nil {
			fmt.Printf("psoup: encoding ack: %v\n", err)
			return
		}
		si.iso.PostMessage(vm.NewByteMessage(req.ReplyTo, payload))
		return
	}

	ack, err := vm.UnmarshalSpawnAck(data)
	if err != nil {
		fmt.Printf("psoup: bad ack: %v\n", err)
		return
	}
	si.acked++
	fmt.Printf("main: isolate %d finished (%d/%d)\n", ack.Isolate, si.acked, si.expected)
	if si.acked == si.expected {
		si.iso.Loop().ClosePort(si.control)
	}
}

func (si *shellInterpreter) PrintStack() {
	fmt.Printf("isolate %d: shell interpreter, %d/%d children reported\n",
		si.iso.ID(), si.acked, si.expected)
}
