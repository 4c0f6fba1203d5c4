package keys

import (
	"encoding/json"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	k, err := Random()
	if err != nil {
		t.Fatalf("Random: %v", err)
	}

	for name, s := range map[string]string{
		"hex":    k.Hex(),
		"base32": k.Base32(),
		"base64": k.Base64(),
	} {
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("%s: Parse(%q): %v", name, s, err)
		}
		if got != k {
			t.Fatalf("%s: Parse(%q) = %v, want %v", name, s, got, k)
		}
	}
}

func TestDistanceSelfIsZero(t *testing.T) {
	k, _ := Random()
	d := k.Distance(k)
	var zero KeyBytes
	if d != zero {
		t.Fatalf("k.Distance(k) = %v, want zero", d)
	}
}

func TestLessOrdering(t *testing.T) {
	a := MustNew(make([]byte, Size))
	b := a
	b[Size-1] = 1
	if !a.Less(b) {
		t.Fatal("expected a < b")
	}
	if b.Less(a) {
		t.Fatal("expected !(b < a)")
	}
}

func TestLeadingZeroBits(t *testing.T) {
	var k KeyBytes
	if got := k.LeadingZeroBits(); got != BitSize {
		t.Fatalf("zero key LeadingZeroBits() = %d, want %d", got, BitSize)
	}

	k[0] = 0x80
	if got := k.LeadingZeroBits(); got != 0 {
		t.Fatalf("LeadingZeroBits() = %d, want 0", got)
	}

	k[0] = 0
	k[1] = 0x01
	if got := k.LeadingZeroBits(); got != 15 {
		t.Fatalf("LeadingZeroBits() = %d, want 15", got)
	}
}

func TestComputeBucketNumberAndRandomBucketKey(t *testing.T) {
	local, _ := Random()

	for _, bn := range []int{0, 1, 50, 100, BitSize - 1} {
		k, err := RandomBucketKey(local, bn)
		if err != nil {
			t.Fatalf("RandomBucketKey(%d): %v", bn, err)
		}
		got := ComputeBucketNumber(local, k)
		if got != bn {
			t.Fatalf("ComputeBucketNumber(RandomBucketKey(%d)) = %d, want %d", bn, got, bn)
		}
	}
}

func TestValidateValue(t *testing.T) {
	value := []byte("hello world")
	index := NewHash(value)

	if !ValidateValue(index, value) {
		t.Fatal("expected valid hash to validate")
	}
	if ValidateValue(index, []byte("tampered")) {
		t.Fatal("expected tampered value to fail validation")
	}
}

func TestMarshalJSONIsBase64(t *testing.T) {
	k, _ := Random()
	data, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("Unmarshal to string: %v", err)
	}
	if s != k.Base64() {
		t.Fatalf("MarshalJSON = %q, want %q", s, k.Base64())
	}

	var k2 KeyBytes
	if err := json.Unmarshal(data, &k2); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if k2 != k {
		t.Fatalf("round-trip mismatch: %v != %v", k2, k)
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse("not a valid key at all!!"); err == nil {
		t.Fatal("expected error for garbage input")
	}
}
