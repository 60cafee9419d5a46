// Package keys builds the byte keys of the index. Every ordinal field is
// encoded as fixed-width lower-case hex so that lexicographic key order is the
// chronological order of the records underneath a prefix.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	sep = "!"

	nsAddr  = "!addr!"
	nsTx    = "!tx!"
	nsBlock = "!block!"
	nsMeta  = "!meta!"

	heightWidth = 12
	indexWidth  = 8

	maxHeight = 1<<(4*heightWidth) - 1
)

// Terminator sorts after every byte that can appear in a valid key.
const Terminator byte = 0xff

var (
	ErrOutOfRange     = errors.New("keys: ordinal out of range")
	ErrInvalidAddress = errors.New("keys: invalid address")
)

// Normalize lower-cases and trims an address or token so lookups are
// case-insensitive.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Address checks that s is a 0x-prefixed 20-byte hex address and returns
// it normalized. Key constructors do not validate; callers taking addresses
// from outside go through here first, so no separator can end up inside a
// key field.
func Address(s string) (string, error) {
	n := Normalize(s)
	if !strings.HasPrefix(n, "0x") || !common.IsHexAddress(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return n, nil
}

// Pair validates (address, token). An empty token is the native asset.
func Pair(address, token string) (addr, tok string, err error) {
	if addr, err = Address(address); err != nil {
		return "", "", err
	}
	if Normalize(token) == "" {
		return addr, "", nil
	}
	if tok, err = Address(token); err != nil {
		return "", "", fmt.Errorf("token: %w", err)
	}
	return addr, tok, nil
}

// Tracked is the key of the TrackedAddress entry for (addr, token). An empty
// token means the native asset.
func Tracked(addr, token string) []byte {
	return []byte(nsAddr + Normalize(addr) + sep + Normalize(token))
}

// TrackedPrefix covers every tracked entry of addr, whatever the token.
func TrackedPrefix(addr string) []byte {
	return []byte(nsAddr + Normalize(addr) + sep)
}

// TransferPrefix covers every transfer of (addr, token).
func TransferPrefix(addr, token string) []byte {
	return []byte(nsTx + Normalize(addr) + sep + Normalize(token) + sep)
}

// Transfer is the key of a single transfer. logIndex is nil for native
// transfers.
func Transfer(addr, token string, height uint64, txIndex uint32, logIndex *uint32) ([]byte, error) {
	if height > maxHeight {
		return nil, fmt.Errorf("%w: height=%d", ErrOutOfRange, height)
	}
	k := make([]byte, 0, 96)
	k = append(k, TransferPrefix(addr, token)...)
	k = appendHex(k, height, heightWidth)
	k = append(k, sep...)
	k = appendHex(k, uint64(txIndex), indexWidth)
	if logIndex != nil {
		k = append(k, sep...)
		k = appendHex(k, uint64(*logIndex), indexWidth)
	}
	return k, nil
}

// Block is the key of the header stored for height.
func Block(height uint64) ([]byte, error) {
	if height > maxHeight {
		return nil, fmt.Errorf("%w: height=%d", ErrOutOfRange, height)
	}
	return appendHex([]byte(nsBlock), height, heightWidth), nil
}

func Watermark() []byte { return []byte(nsMeta + "watermark") }

func Sequence() []byte { return []byte(nsMeta + "seq") }

// Namespace prefixes, exported for whole-namespace scans.
func AddrNamespace() []byte  { return []byte(nsAddr) }
func TxNamespace() []byte    { return []byte(nsTx) }
func BlockNamespace() []byte { return []byte(nsBlock) }

// Range returns the half-open scan bounds [prefix, prefix+Terminator).
func Range(prefix []byte) (lo, hi []byte) {
	lo = append([]byte(nil), prefix...)
	hi = make([]byte, 0, len(prefix)+1)
	hi = append(hi, prefix...)
	hi = append(hi, Terminator)
	return lo, hi
}

// TransferKey holds the ordinal fields recovered from a transfer key.
type TransferKey struct {
	Address  string
	Token    string
	Height   uint64
	TxIndex  uint32
	LogIndex *uint32
}

// ParseTransfer is the inverse of Transfer.
func ParseTransfer(k []byte) (TransferKey, error) {
	s := string(k)
	if !strings.HasPrefix(s, nsTx) {
		return TransferKey{}, fmt.Errorf("keys: not a transfer key: %q", s)
	}
	parts := strings.Split(strings.TrimPrefix(s, nsTx), sep)
	if len(parts) != 4 && len(parts) != 5 {
		return TransferKey{}, fmt.Errorf("keys: malformed transfer key: %q", s)
	}
	h, err := parseHex(parts[2], heightWidth)
	if err != nil {
		return TransferKey{}, err
	}
	i, err := parseHex(parts[3], indexWidth)
	if err != nil {
		return TransferKey{}, err
	}
	out := TransferKey{
		Address: parts[0],
		Token:   parts[1],
		Height:  h,
		TxIndex: uint32(i),
	}
	if len(parts) == 5 {
		l, err := parseHex(parts[4], indexWidth)
		if err != nil {
			return TransferKey{}, err
		}
		li := uint32(l)
		out.LogIndex = &li
	}
	return out, nil
}

// ParseBlock recovers the height from a block key.
func ParseBlock(k []byte) (uint64, error) {
	s := string(k)
	if !strings.HasPrefix(s, nsBlock) {
		return 0, fmt.Errorf("keys: not a block key: %q", s)
	}
	return parseHex(strings.TrimPrefix(s, nsBlock), heightWidth)
}

func appendHex(dst []byte, v uint64, width int) []byte {
	h := strconv.FormatUint(v, 16)
	for i := len(h); i < width; i++ {
		dst = append(dst, '0')
	}
	return append(dst, h...)
}

func parseHex(s string, width int) (uint64, error) {
	if len(s) != width {
		return 0, fmt.Errorf("keys: want %d hex digits, got %q", width, s)
	}
	return strconv.ParseUint(s, 16, 64)
}
