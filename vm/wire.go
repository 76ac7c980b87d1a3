package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Wire: Structured message payloads
// ---------------------------------------------------------------------------
//
// Message payloads are opaque bytes to the core; interpreters that want
// structure use this canonical CBOR codec so payloads are deterministic
// byte-for-byte regardless of which isolate encoded them.

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// SpawnRequest asks a receiving isolate to spawn a sibling. ReplyTo, when
// not IllegalPort, names where the spawner expects an acknowledgement.
type SpawnRequest struct {
	ID      uuid.UUID `cbor:"id"`
	Argv    []string  `cbor:"argv,omitempty"`
	Seed    uint64    `cbor:"seed"`
	ReplyTo Port      `cbor:"reply-to,omitempty"`
}

// MarshalSpawnRequest serializes a SpawnRequest to canonical CBOR bytes.
func MarshalSpawnRequest(r *SpawnRequest) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalSpawnRequest deserializes a SpawnRequest from CBOR bytes.
func UnmarshalSpawnRequest(data []byte) (*SpawnRequest, error) {
	var r SpawnRequest
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("vm: unmarshal spawn request: %w", err)
	}
	return &r, nil
}

// SpawnAck reports a completed spawn back to the requester.
type SpawnAck struct {
	ID      uuid.UUID `cbor:"id"`
	Isolate uint64    `cbor:"isolate"`
}

// MarshalSpawnAck serializes a SpawnAck to canonical CBOR bytes.
func MarshalSpawnAck(a *SpawnAck) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// UnmarshalSpawnAck deserializes a SpawnAck from CBOR bytes.
func UnmarshalSpawnAck(data []byte) (*SpawnAck, error) {
	var a SpawnAck
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("vm: unmarshal spawn ack: %w", err)
	}
	return &a, nil
}
