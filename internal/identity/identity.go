// Package identity supplies the credential subsystem the overlay core
// treats as an external collaborator (spec §4.5, §6): a long-term Ed25519
// signing key, the 512-bit node id derived from it, and signed validation
// blobs peers exchange during connection setup.
package identity

import (
	"crypto/ed25519"
	"fmt"
	"os"

	"github.com/tessera-mesh/tessera/internal/overlay"
	"golang.org/x/crypto/sha3"
)

// Identity holds this node's long-term keypair and derived overlay id.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	NodeID  overlay.Identifier
}

// LoadOrGenerate loads an Ed25519 keypair from path, or generates and
// persists a new one if the file doesn't exist. The file format is the
// raw 64-byte Ed25519 private key (its last 32 bytes are the public key).
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid key file: expected %d bytes, got %d", ed25519.PrivateKeySize, len(data))
		}
		priv := ed25519.PrivateKey(data)
		return fromPrivateKey(priv), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	if err := os.WriteFile(path, []byte(priv), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	_ = pub
	return fromPrivateKey(priv), nil
}

func fromPrivateKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		Public:  pub,
		Private: priv,
		NodeID:  DeriveNodeID(pub),
	}
}

// DeriveNodeID maps an Ed25519 public key onto the overlay's 512-bit
// identifier space via SHA3-512, the width SHA3-512 happens to produce
// natively.
func DeriveNodeID(pub ed25519.PublicKey) overlay.Identifier {
	sum := sha3.Sum512(pub)
	var id overlay.Identifier
	copy(id[:], sum[:])
	return id
}

// ValidationData is the signed blob a node presents to a peer during
// connection setup (the "validation_data" parameter of the Network
// Adaptor's add() call, §4.5). It binds a claimed node id to a signature
// over that id plus a caller-supplied nonce, so the peer can verify the
// connecting party controls the private key behind the claimed id.
type ValidationData struct {
	NodeID    overlay.Identifier
	PublicKey ed25519.PublicKey
	Nonce     []byte
	Signature []byte
}

func signable(nodeID overlay.Identifier, nonce []byte) []byte {
	buf := make([]byte, 0, overlay.IDLength+len(nonce))
	buf = append(buf, nodeID[:]...)
	return append(buf, nonce...)
}

// Sign produces a ValidationData asserting id.NodeID, bound to nonce.
func (id *Identity) Sign(nonce []byte) ValidationData {
	sig := ed25519.Sign(id.Private, signable(id.NodeID, nonce))
	return ValidationData{
		NodeID:    id.NodeID,
		PublicKey: id.Public,
		Nonce:     nonce,
		Signature: sig,
	}
}

// ID satisfies overlay.Credential: the node id the Node Lifecycle
// constructs its Routing Table around.
func (id *Identity) ID() overlay.Identifier { return id.NodeID }

// SignValidation satisfies overlay.Credential: it signs nonce and encodes
// the result as the opaque blob NetworkAdaptor.Add presents to a peer.
func (id *Identity) SignValidation(nonce []byte) []byte {
	return EncodeValidationData(id.Sign(nonce))
}

// EncodeValidationData serializes v as node_id || public_key || signature
// || nonce — every field but nonce is fixed-width, so nonce can trail
// without a length prefix.
func EncodeValidationData(v ValidationData) []byte {
	buf := make([]byte, 0, overlay.IDLength+len(v.PublicKey)+len(v.Signature)+len(v.Nonce))
	buf = append(buf, v.NodeID[:]...)
	buf = append(buf, v.PublicKey...)
	buf = append(buf, v.Signature...)
	buf = append(buf, v.Nonce...)
	return buf
}

// DecodeValidationData parses the blob EncodeValidationData produces.
func DecodeValidationData(b []byte) (ValidationData, error) {
	const fixed = overlay.IDLength + ed25519.PublicKeySize + ed25519.SignatureSize
	if len(b) < fixed {
		return ValidationData{}, fmt.Errorf("identity: validation blob too short: got %d bytes, want at least %d", len(b), fixed)
	}
	var v ValidationData
	copy(v.NodeID[:], b[:overlay.IDLength])
	v.PublicKey = append(ed25519.PublicKey(nil), b[overlay.IDLength:overlay.IDLength+ed25519.PublicKeySize]...)
	v.Signature = append([]byte(nil), b[overlay.IDLength+ed25519.PublicKeySize:fixed]...)
	v.Nonce = append([]byte(nil), b[fixed:]...)
	return v, nil
}

// Verify checks that v's signature is valid for its claimed node id and
// that the node id is in fact the SHA3-512 derivation of the embedded
// public key — rejecting a validation blob that asserts someone else's id.
func Verify(v ValidationData) error {
	if DeriveNodeID(v.PublicKey) != v.NodeID {
		return fmt.Errorf("identity: claimed node id does not match public key")
	}
	if !ed25519.Verify(v.PublicKey, signable(v.NodeID, v.Nonce), v.Signature) {
		return fmt.Errorf("identity: signature verification failed")
	}
	return nil
}
