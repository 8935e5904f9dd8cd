package token

import "sync/atomic"

// pair is the immutable snapshot swapped atomically on rotation.
type pair struct {
	current  []byte
	previous []byte
}

// KeyPair holds the current and previous HMAC signing keys. Installing a
// new key is copy-on-write: readers (signature verification) never block on
// a rotation in progress.
type KeyPair struct {
	p atomic.Pointer[pair]
}

// NewKeyPair builds a KeyPair with currentKey installed and no previous key.
func NewKeyPair(currentKey []byte) *KeyPair {
	kp := &KeyPair{}
	kp.p.Store(&pair{current: currentKey})
	return kp
}

// Snapshot returns the current and previous keys as of the last Install.
func (k *KeyPair) Snapshot() (current, previous []byte) {
	p := k.p.Load()
	if p == nil {
		return nil, nil
	}
	return p.current, p.previous
}

// Install demotes the current key to previous and installs newKey as
// current.
func (k *KeyPair) Install(newKey []byte) {
	old := k.p.Load()
	next := &pair{current: newKey}
	if old != nil {
		next.previous = old.current
	}
	k.p.Store(next)
}
