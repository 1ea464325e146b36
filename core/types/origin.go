package types

import "errors"

// ErrBadOrigin is returned when an operation is invoked by an origin it does not
// accept.
var ErrBadOrigin = errors.New("origin: bad origin")

type originKind uint8

const (
	originNone originKind = iota
	originRoot
	originSigned
)

// Origin is the caller of a dispatched operation: the privileged root or a
// signed account.
type Origin struct {
	kind    originKind
	account AccountID
}

// RootOrigin returns the privileged origin.
func RootOrigin() Origin { return Origin{kind: originRoot} }

// SignedOrigin returns an origin acting as account.
func SignedOrigin(account AccountID) Origin {
	return Origin{kind: originSigned, account: account}
}

// IsRoot reports whether the origin is root.
func (o Origin) IsRoot() bool { return o.kind == originRoot }

// Signer returns the signing account when the origin is signed.
func (o Origin) Signer() (AccountID, bool) {
	if o.kind != originSigned {
		return AccountID{}, false
	}
	return o.account, true
}

// EnsureSigned returns the signer or ErrBadOrigin.
func (o Origin) EnsureSigned() (AccountID, error) {
	if o.kind != originSigned {
		return AccountID{}, ErrBadOrigin
	}
	return o.account, nil
}

// EnsureRoot returns ErrBadOrigin unless the origin is root.
func (o Origin) EnsureRoot() error {
	if o.kind != originRoot {
		return ErrBadOrigin
	}
	return nil
}

// EnsureRootOrSigner accepts root or the given account.
func (o Origin) EnsureRootOrSigner(owner AccountID) error {
	if o.IsRoot() {
		return nil
	}
	if signer, ok := o.Signer(); ok && signer == owner {
		return nil
	}
	return ErrBadOrigin
}

func (o Origin) String() string {
	switch o.kind {
	case originRoot:
		return "root"
	case originSigned:
		return "signed(" + o.account.Hex() + ")"
	default:
		return "none"
	}
}
