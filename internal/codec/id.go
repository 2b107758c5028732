package codec

import (
	"encoding/hex"
	"fmt"
	"unicode/utf8"
)

// ListenerIDLen is the size of a listener's binary identity.
const ListenerIDLen = 16

// Identity is the ListenerID record a listener sends first.
type Identity struct {
	ListenerID []byte
	Version    string
}

// Hex renders the listener id the way it is stored.
func (i Identity) Hex() string {
	return hex.EncodeToString(i.ListenerID)
}

// DecodeIdentity parses an ID payload.
func DecodeIdentity(b []byte) (Identity, error) {
	var id Identity
	err := eachField(b, func(f field) error {
		switch f.num {
		case 1:
			v, err := f.raw(ListenerIDLen)
			if err != nil {
				return err
			}
			id.ListenerID = append([]byte(nil), v...)
		case 2:
			v, err := f.raw(-1)
			if err != nil {
				return err
			}
			if !utf8.Valid(v) {
				return fmt.Errorf("%w: version is not utf-8", ErrMalformed)
			}
			id.Version = string(v)
		}
		return nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	if id.ListenerID == nil {
		return Identity{}, fmt.Errorf("decode identity: %w: missing listener_id", ErrMalformed)
	}
	return id, nil
}

// EncodeIdentity is the inverse of DecodeIdentity.
func EncodeIdentity(id Identity) []byte {
	b := appendBytes(nil, 1, id.ListenerID)
	return appendBytes(b, 2, []byte(id.Version))
}
