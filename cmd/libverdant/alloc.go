package main

// #include <stdlib.h>
import "C"
import "unsafe"

// cAllocator copies payloads into C heap memory the caller frees with
// verdant_free_cstring.
type cAllocator struct{}

func (cAllocator) Alloc(data []byte) unsafe.Pointer {
	p := C.malloc(C.size_t(len(data) + 1))
	buf := unsafe.Slice((*byte)(p), len(data)+1)
	copy(buf, data)
	buf[len(data)] = 0
	return p
}

func (cAllocator) Free(p unsafe.Pointer) {
	C.free(p)
}
