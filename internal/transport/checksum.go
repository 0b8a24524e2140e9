package transport

import "fmt"

// ChecksumKind selects the frame trailer algorithm. Hub firmware lines
// differ here: current firmware uses Fletcher-16, the legacy bootloader
// line uses a two's-complement byte sum, and some vendor builds ship
// CRC-16-CCITT.
type ChecksumKind string

const (
	ChecksumFletcher16 ChecksumKind = "fletcher16"
	ChecksumSum16      ChecksumKind = "sum16"
	ChecksumCRC16CCITT ChecksumKind = "crc16-ccitt"
)

func ParseChecksumKind(raw string) (ChecksumKind, error) {
	switch ChecksumKind(raw) {
	case ChecksumFletcher16, ChecksumSum16, ChecksumCRC16CCITT:
		return ChecksumKind(raw), nil
	case "":
		return ChecksumFletcher16, nil
	default:
		return "", fmt.Errorf("unknown checksum kind: %q", raw)
	}
}

// Compute returns the 16-bit checksum of data using the selected algorithm.
func (k ChecksumKind) Compute(data []byte) uint16 {
	switch k {
	case ChecksumSum16:
		return sum16(data)
	case ChecksumCRC16CCITT:
		return crc16CCITT(data)
	default:
		return fletcher16(data)
	}
}

func fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}

	return sum2<<8 | sum1
}

// sum16 is the two's complement of the byte sum, so summing all covered
// bytes plus the checksum yields zero.
func sum16(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}

	return ^sum + 1
}

// crc16CCITT is CRC-16/CCITT-FALSE: polynomial 0x1021, initial 0xFFFF.
func crc16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}

	return crc
}
