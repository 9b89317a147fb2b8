package client

import (
	"encoding/hex"
	"errors"
	"strings"
)

// Bech32 character set for encoding
const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var bech32Generator = []uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}

// Bech32 encode/decode errors
var (
	ErrInvalidLength     = errors.New("invalid bech32 string length")
	ErrInvalidCharacter  = errors.New("invalid character in bech32 string")
	ErrInvalidChecksum   = errors.New("invalid bech32 checksum")
	ErrInvalidHRP        = errors.New("invalid human-readable part")
	ErrInvalidSeparator  = errors.New("invalid separator")
	ErrUnsupportedPrefix = errors.New("unsupported bech32 prefix")
	ErrInvalidDataLength = errors.New("invalid data length")
)

func bech32Polymod(values []byte) uint32 {
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= bech32Generator[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []byte {
	expanded := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		expanded = append(expanded, hrp[i]>>5)
	}
	expanded = append(expanded, 0)
	for i := 0; i < len(hrp); i++ {
		expanded = append(expanded, hrp[i]&0x1f)
	}
	return expanded
}

func bech32VerifyChecksum(hrp string, data []byte) bool {
	return bech32Polymod(append(bech32HrpExpand(hrp), data...)) == 1
}

func bech32CreateChecksum(hrp string, data []byte) []byte {
	values := append(append(bech32HrpExpand(hrp), data...), 0, 0, 0, 0, 0, 0)
	polymod := bech32Polymod(values) ^ 1
	checksum := make([]byte, 6)
	for i := 0; i < 6; i++ {
		checksum[i] = byte((polymod >> uint(5*(5-i))) & 0x1f)
	}
	return checksum
}

// DecodeBech32 decodes a bech32 string and returns the human-readable part
// and the 8-bit data payload
func DecodeBech32(bech string) (string, []byte, error) {
	if len(bech) > 90 {
		return "", nil, ErrInvalidLength
	}

	// Check for mixed case
	lower := strings.ToLower(bech)
	upper := strings.ToUpper(bech)
	if bech != lower && bech != upper {
		return "", nil, ErrInvalidCharacter
	}
	bech = lower

	// Find the last '1' separator
	pos := strings.LastIndexByte(bech, '1')
	if pos < 1 || pos+7 > len(bech) {
		return "", nil, ErrInvalidSeparator
	}

	hrp := bech[:pos]
	data := bech[pos+1:]

	decoded := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		idx := strings.IndexByte(charset, data[i])
		if idx == -1 {
			return "", nil, ErrInvalidCharacter
		}
		decoded = append(decoded, byte(idx))
	}

	if !bech32VerifyChecksum(hrp, decoded) {
		return "", nil, ErrInvalidChecksum
	}

	// Convert from 5-bit to 8-bit data, dropping the checksum
	converted := convertBits(decoded[:len(decoded)-6], 5, 8, false)
	if converted == nil {
		return "", nil, ErrInvalidDataLength
	}

	return hrp, converted, nil
}

// EncodeBech32 encodes an 8-bit data payload under the given
// human-readable part
func EncodeBech32(hrp string, data []byte) (string, error) {
	converted := convertBits(data, 8, 5, true)
	if converted == nil {
		return "", ErrInvalidDataLength
	}

	combined := append(converted, bech32CreateChecksum(hrp, converted)...)

	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, b := range combined {
		sb.WriteByte(charset[b])
	}

	encoded := sb.String()
	if len(encoded) > 90 {
		return "", ErrInvalidLength
	}
	return encoded, nil
}

// DecodeNpub converts a bech32 public key (npub) to hex format. A 64-char
// hex string passes through unchanged
func DecodeNpub(pubkey string) (string, error) {
	if len(pubkey) == 64 {
		if _, err := hex.DecodeString(pubkey); err == nil {
			return pubkey, nil
		}
	}

	if !strings.HasPrefix(pubkey, "npub1") {
		return "", ErrUnsupportedPrefix
	}

	hrp, data, err := DecodeBech32(pubkey)
	if err != nil {
		return "", err
	}
	if hrp != "npub" {
		return "", ErrInvalidHRP
	}
	if len(data) != 32 {
		return "", ErrInvalidDataLength
	}

	return hex.EncodeToString(data), nil
}

// EncodeNpub converts a hex public key to its bech32 npub form
func EncodeNpub(pubkeyHex string) (string, error) {
	data, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return "", err
	}
	if len(data) != 32 {
		return "", ErrInvalidDataLength
	}

	return EncodeBech32("npub", data)
}

// convertBits performs the conversion from one power-of-2 number base to another
func convertBits(data []byte, fromBits, toBits uint8, pad bool) []byte {
	if fromBits < 1 || fromBits > 8 || toBits < 1 || toBits > 8 {
		return nil
	}

	maxValue := (1 << toBits) - 1

	size := len(data) * int(fromBits) / int(toBits)
	if pad && len(data)*int(fromBits)%int(toBits) != 0 {
		size++
	}

	result := make([]byte, 0, size)
	acc := uint32(0)
	bits := uint8(0)

	for _, b := range data {
		if b>>fromBits != 0 {
			return nil
		}
		acc = (acc << fromBits) | uint32(b)
		bits += fromBits

		for bits >= toBits {
			bits -= toBits
			result = append(result, byte((acc>>bits)&uint32(maxValue)))
		}
	}

	if pad {
		if bits > 0 {
			result = append(result, byte((acc<<(toBits-bits))&uint32(maxValue)))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&uint32(maxValue) != 0 {
		return nil
	}

	return result
}
