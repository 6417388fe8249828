package checksum

import "testing"

func TestSumReferenceVectors(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want uint32
	}{
		{"empty", []byte(""), 0x00000000},
		{"check-string", []byte("123456789"), 0xE3069283},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Sum(c.in)
			if got != c.want {
				t.Fatalf("Sum(%q) = %#x, want %#x", c.in, got, c.want)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	data := []byte("the quick brown fox")
	sum := Sum(data)
	if !Verify(data, sum) {
		t.Fatal("Verify should accept the checksum it computed")
	}
	if Verify(data, sum^1) {
		t.Fatal("Verify should reject a corrupted checksum")
	}
}

func TestSumZeroedDoesNotMutateStoredChecksum(t *testing.T) {
	block := make([]byte, 4096)
	for i := range block {
		block[i] = byte(i)
	}
	copy(block[4092:4096], []byte{0xde, 0xad, 0xbe, 0xef})

	sum := SumZeroed(block, 4092)

	if got := block[4092:4096]; got[0] != 0xde || got[1] != 0xad || got[2] != 0xbe || got[3] != 0xef {
		t.Fatalf("SumZeroed mutated the checksum field: %x", got)
	}

	// recomputing with the field actually zeroed must match.
	zeroed := make([]byte, len(block))
	copy(zeroed, block)
	for i := 4092; i < 4096; i++ {
		zeroed[i] = 0
	}
	if want := Sum(zeroed); want != sum {
		t.Fatalf("SumZeroed = %#x, want %#x", sum, want)
	}
}
