package transport

import "testing"

func TestFletcher16KnownVector(t *testing.T) {
	if got := fletcher16([]byte("abcde")); got != 0xC8F0 {
		t.Fatalf("fletcher16(abcde) = %04x, want c8f0", got)
	}
}

func TestSum16ComplementsByteSum(t *testing.T) {
	data := []byte{0x10, 0x20, 0x30, 0xFF}
	sum := sum16(data)

	var total uint16
	for _, b := range data {
		total += uint16(b)
	}
	if total+sum != 0 {
		t.Fatalf("byte sum %04x plus checksum %04x must wrap to zero", total, sum)
	}
}

func TestCRC16CCITTCheckValue(t *testing.T) {
	if got := crc16CCITT([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("crc16-ccitt(123456789) = %04x, want 29b1", got)
	}
}

func TestParseChecksumKind(t *testing.T) {
	tests := []struct {
		raw     string
		want    ChecksumKind
		wantErr bool
	}{
		{raw: "fletcher16", want: ChecksumFletcher16},
		{raw: "sum16", want: ChecksumSum16},
		{raw: "crc16-ccitt", want: ChecksumCRC16CCITT},
		{raw: "", want: ChecksumFletcher16},
		{raw: "md5", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseChecksumKind(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseChecksumKind(%q): expected error, got nil", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseChecksumKind(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseChecksumKind(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestChecksumKindsDisagreeOnSamePayload(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	f := ChecksumFletcher16.Compute(payload)
	s := ChecksumSum16.Compute(payload)
	c := ChecksumCRC16CCITT.Compute(payload)

	if f == s && s == c {
		t.Fatalf("expected algorithms to differ, all produced %04x", f)
	}
}
