package main

// #include <stdlib.h>
// #define VERDANT_NO_PROTOTYPES
// #include "verdant.h"
import "C"

import "unsafe"

// The helpers below call the exported functions the way a C host does,
// keeping the C types on this side. Package tests use them since _test files
// cannot use cgo.

// hostRuntime is a VerdantRuntime struct held in C memory by the host.
type hostRuntime struct {
	h *C.VerdantRuntime
}

func newHostRuntime() hostRuntime {
	h := (*C.VerdantRuntime)(C.malloc(C.size_t(unsafe.Sizeof(C.VerdantRuntime{}))))
	*h = verdant_runtime_new()
	return hostRuntime{h: h}
}

func (r hostRuntime) id() uintptr { return uintptr(r.h.id) }

func (r hostRuntime) free() { verdant_runtime_free(r.h) }

// discard releases the struct itself.
func (r hostRuntime) discard() { C.free(unsafe.Pointer(r.h)) }

type hostService struct {
	h *C.VerdantService
}

func newHostService(discovery bool, rt *hostRuntime) hostService {
	var h *C.VerdantRuntime
	if rt != nil {
		h = rt.h
	}
	return hostService{h: verdant_service_new(C.bool(discovery), h)}
}

func (s hostService) valid() bool { return s.h != nil }

func (s hostService) login(url, username, password string) int32 {
	cURL, cUser, cPass := C.CString(url), C.CString(username), C.CString(password)
	defer C.free(unsafe.Pointer(cURL))
	defer C.free(unsafe.Pointer(cUser))
	defer C.free(unsafe.Pointer(cPass))
	return int32(verdant_service_login(s.h, cURL, cUser, cPass))
}

// loginWithoutPassword passes a NULL password.
func (s hostService) loginWithoutPassword(url, username string) int32 {
	cURL, cUser := C.CString(url), C.CString(username)
	defer C.free(unsafe.Pointer(cURL))
	defer C.free(unsafe.Pointer(cUser))
	return int32(verdant_service_login(s.h, cURL, cUser, nil))
}

func (s hostService) addServer(url, name string) int32 {
	cURL := C.CString(url)
	defer C.free(unsafe.Pointer(cURL))
	var cName *C.char
	if name != "" {
		cName = C.CString(name)
		defer C.free(unsafe.Pointer(cName))
	}
	return int32(verdant_service_add_server(s.h, cURL, cName))
}

func (s hostService) setDiscovery(enabled bool) int32 {
	return int32(verdant_service_set_discovery(s.h, C.bool(enabled)))
}

// tryRecv polls one event, copies its payload and frees the C string.
func (s hostService) tryRecv() (tag uint32, payload string, hasPayload bool) {
	ev := verdant_service_try_recv(s.h)
	tag = uint32(ev.tag)
	if ev.payload != nil {
		payload, hasPayload = C.GoString(ev.payload), true
		verdant_free_cstring(ev.payload)
	}
	return tag, payload, hasPayload
}

func (s hostService) free() { verdant_service_free(s.h) }
