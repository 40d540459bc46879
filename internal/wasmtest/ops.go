package wasmtest

// Opcodes used by the fixtures.
const (
	OpUnreachable byte = 0x00
	OpLoop        byte = 0x03
	OpBr          byte = 0x0c
	OpEnd         byte = 0x0b
	OpCall        byte = 0x10
	OpDrop        byte = 0x1a
	OpLocalGet    byte = 0x20
	OpGlobalGet   byte = 0x23
	OpGlobalSet   byte = 0x24
	OpMemoryGrow  byte = 0x40
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpI32Add      byte = 0x6a

	blockEmpty byte = 0x40
)

// I32Const pushes v.
func I32Const(v int32) []byte { return append([]byte{OpI32Const}, S64(int64(v))...) }

// I64Const pushes v.
func I64Const(v int64) []byte { return append([]byte{OpI64Const}, S64(v)...) }

// Call calls function idx.
func Call(idx uint32) []byte { return append([]byte{OpCall}, U32(idx)...) }

// LocalGet pushes local idx.
func LocalGet(idx uint32) []byte { return append([]byte{OpLocalGet}, U32(idx)...) }

// GlobalGet pushes global idx.
func GlobalGet(idx uint32) []byte { return append([]byte{OpGlobalGet}, U32(idx)...) }

// GlobalSet pops into global idx.
func GlobalSet(idx uint32) []byte { return append([]byte{OpGlobalSet}, U32(idx)...) }

// Spin is an empty infinite loop.
func Spin() []byte { return []byte{OpLoop, blockEmpty, OpBr, 0x00, OpEnd} }

// Ops concatenates instruction sequences.
func Ops(seqs ...[]byte) []byte {
	var out []byte
	for _, s := range seqs {
		out = append(out, s...)
	}
	return out
}

// Packed returns the bridge result encoding of a (ptr, len) pair.
func Packed(ptr, n uint32) int64 { return int64(uint64(ptr)<<32 | uint64(n)) }
