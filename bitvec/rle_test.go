package bitvec

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestRunLengthRoundTripSparse(t *testing.T) {
	bv, _ := Alloc(DefaultBitLen)
	bv.BloomInsert([]byte("topic/a"), 4)

	encoded := RunLengthEncode(bv)
	decoded, err := RunLengthDecode(encoded, bv.Len())
	if err != nil {
		t.Fatalf("RunLengthDecode: %v", err)
	}
	if !Equals(bv, decoded) {
		t.Fatal("round trip through RLE should preserve the vector")
	}
}

func TestRunLengthRoundTripEmpty(t *testing.T) {
	bv, _ := Alloc(DefaultBitLen)
	encoded := RunLengthEncode(bv)
	decoded, err := RunLengthDecode(encoded, bv.Len())
	if err != nil {
		t.Fatalf("RunLengthDecode: %v", err)
	}
	if !decoded.IsClear() {
		t.Fatal("decoding an empty vector's RLE should yield an empty vector")
	}
}

func TestRunLengthRoundTripDense(t *testing.T) {
	bv, _ := Alloc(DefaultBitLen)
	bv.Fill()
	clearBit(bv.bits, 17)
	clearBit(bv.bits, 4000)
	bv.invalidatePopCount()

	encoded := RunLengthEncode(bv)
	decoded, err := RunLengthDecode(encoded, bv.Len())
	if err != nil {
		t.Fatalf("RunLengthDecode: %v", err)
	}
	if !Equals(bv, decoded) {
		t.Fatal("round trip through RLE should preserve a dense vector")
	}
}

func TestSerializeChoosesComplementForDenseVectors(t *testing.T) {
	bv, _ := Alloc(DefaultBitLen)
	bv.Fill()
	clearBit(bv.bits, 100)
	bv.invalidatePopCount()

	data, err := Serialize(bv)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	var wv wireVector
	if err := cbor.Unmarshal(data, &wv); err != nil {
		t.Fatalf("decoding wire vector: %v", err)
	}
	if wv.Flags != flagRLEEncoded|flagRLEComplement {
		t.Fatalf("expected complemented RLE, got flags %d", wv.Flags)
	}
	decoded, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !Equals(bv, decoded) {
		t.Fatal("serialize/deserialize round trip should preserve a dense vector")
	}
}

func TestSerializeRawForMidLoad(t *testing.T) {
	bv, _ := Alloc(DefaultBitLen)
	for i := 0; i < bv.Len(); i += 2 {
		setBit(bv.bits, uint32(i))
	}
	bv.invalidatePopCount()

	data, err := Serialize(bv)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	var wv wireVector
	if err := cbor.Unmarshal(data, &wv); err != nil {
		t.Fatalf("decoding wire vector: %v", err)
	}
	if wv.Flags&flagRLEEncoded != 0 {
		t.Fatalf("expected raw encoding for a mid-load vector, got flags %d", wv.Flags)
	}
	decoded, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !Equals(bv, decoded) {
		t.Fatal("serialize/deserialize round trip should preserve a mid-load vector")
	}
}

// TestSerializeFallsBackToRawWhenRLEWouldBeLarger checks that an RLE
// attempt exceeding the raw size falls back to raw. A sparse vector
// with every fourth bit set has only 3-zero runs, each of which costs
// more bits in the variable-width code than the raw bits it covers.
func TestSerializeFallsBackToRawWhenRLEWouldBeLarger(t *testing.T) {
	bv, _ := Alloc(DefaultBitLen)
	for i := 0; i < bv.Len(); i += 4 {
		setBit(bv.bits, uint32(i))
	}
	bv.invalidatePopCount()
	if bv.LoadFactor() >= sparseLoadThreshold {
		t.Fatalf("fixture load factor %v not below sparse threshold", bv.LoadFactor())
	}

	rle := RunLengthEncode(bv)
	raw := rawBytes(bv)
	if len(rle) < len(raw) {
		t.Skip("fixture's RLE happens to be smaller than raw; not exercising the fallback")
	}

	data, err := Serialize(bv)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	var wv wireVector
	if err := cbor.Unmarshal(data, &wv); err != nil {
		t.Fatalf("decoding wire vector: %v", err)
	}
	if wv.Flags&flagRLEEncoded != 0 {
		t.Fatalf("expected raw fallback, got RLE flags %d", wv.Flags)
	}
	decoded, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !Equals(bv, decoded) {
		t.Fatal("serialize/deserialize round trip should preserve the vector even after raw fallback")
	}
}
