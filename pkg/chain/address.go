package chain

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
)

// AddressLength is the byte length of an account address.
const AddressLength = 20

// Address identifies an account on the ledger.
type Address [AddressLength]byte

// ZeroAddress is the "none" address.
var ZeroAddress Address

// Hex renders the address as lower-case 0x-prefixed hex.
func (a Address) Hex() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) String() string { return a.Hex() }

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == ZeroAddress }

// Bytes returns a copy of the raw address bytes.
func (a Address) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, a[:])
	return b
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	v, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAddress parses a 0x-prefixed, 40 hex digit address. Mixed case is accepted.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return a, errcode.InvalidAddress.Withf("%q lacks 0x prefix", s)
	}
	raw := s[2:]
	if len(raw) != 2*AddressLength {
		return a, errcode.InvalidAddress.Withf("%q has wrong length", s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return a, errcode.InvalidAddress.Withf("%q is not hex", s)
	}
	copy(a[:], b)
	return a, nil
}

// MustAddress is ParseAddress for constants and tests.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveAddress returns the last 20 bytes of Keccak256(namespace ‖ parts...).
func DeriveAddress(namespace string, parts ...[]byte) Address {
	digest := Keccak256(append([][]byte{[]byte(namespace)}, parts...)...)
	var a Address
	copy(a[:], digest[32-AddressLength:])
	return a
}

// AccountAddress derives a stable address from a human label, for wallets and
// components of a local ledger.
func AccountAddress(label string) Address {
	return DeriveAddress("openaudit/account/v1", []byte(label))
}
