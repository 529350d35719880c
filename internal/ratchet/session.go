// Package ratchet is the session cipher: X3DH-style session bootstrap from a
// prekey bundle, then a symmetric chain ratchet for message keys. Session
// state lives in the Sessions namespace of the store and is rewritten on
// every encrypt and decrypt.
package ratchet

import (
	"encoding/json"

	"github.com/forstalabs/librelay/internal/errs"
	"github.com/forstalabs/librelay/internal/store"
)

const (
	// maxSkip bounds how far one message counter may jump ahead of the chain
	// position; the cache of skipped keys is not capped across messages.
	maxSkip = 2000

	infoSessionSetup = "Forsta Session Setup"
	infoChainKey     = "Forsta Chain Key"
	infoMessageKey   = "Forsta Message Key"
)

// pendingPreKey records the bundle material a fresh initiator session keeps
// re-sending until the peer answers.
type pendingPreKey struct {
	PreKeyID       uint32 `json:"preKeyId,omitempty"`
	HasPreKeyID    bool   `json:"hasPreKeyId,omitempty"`
	SignedPreKeyID uint32 `json:"signedPreKeyId"`
	BaseKey        []byte `json:"baseKey"`
}

// sessionState is the persisted chain-ratchet state with one peer device. The
// root key is derived and stored but never ratcheted: there is no DH ratchet
// step.
type sessionState struct {
	RemoteIdentity       []byte            `json:"remoteIdentity"`
	RemoteRegistrationID uint32            `json:"remoteRegistrationId"`
	RootKey              []byte            `json:"rootKey"`
	SendChainKey         []byte            `json:"sendChainKey"`
	SendCounter          uint32            `json:"sendCounter"`
	RecvChainKey         []byte            `json:"recvChainKey"`
	RecvCounter          uint32            `json:"recvCounter"`
	Skipped              map[uint32][]byte `json:"skipped,omitempty"`
	Fresh                bool              `json:"fresh,omitempty"`
	Pending              *pendingPreKey    `json:"pending,omitempty"`
	RemoteBaseKey        []byte            `json:"remoteBaseKey,omitempty"`
}

func loadSession(st *store.State, addr store.Address) (*sessionState, error) {
	blob, err := st.LoadSession(addr)
	if err == store.ErrNotFound {
		return nil, errs.Newf(errs.NoSession, "no session for %s", addr)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "failed to load session", err)
	}
	var s sessionState
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, errs.Wrap(errs.Storage, "corrupt session record", err)
	}
	return &s, nil
}

func saveSession(st *store.State, addr store.Address, s *sessionState) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return errs.Wrap(errs.Storage, "failed to encode session", err)
	}
	return st.StoreSession(addr, blob)
}
