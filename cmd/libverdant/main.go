// Command libverdant builds the verdant C library:
//
//	CGO_ENABLED=1 go build -buildmode=c-shared -o libverdant.so ./cmd/libverdant
//
// The exported functions are declared in verdant.h. Configuration is read
// from VERDANT_* environment variables the first time the library is used,
// and logs go to stderr.
package main

// #cgo CFLAGS: -I${SRCDIR}
// #include <stdlib.h>
// #define VERDANT_NO_PROTOTYPES
// #include "verdant.h"
import "C"

import (
	"fmt"
	"os"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/drblury/verdant/internal/boundary"
	"github.com/drblury/verdant/internal/runtime"
	configpkg "github.com/drblury/verdant/internal/runtime/config"
	loggingpkg "github.com/drblury/verdant/internal/runtime/logging"
)

func main() {}

var adapter = sync.OnceValue(func() *boundary.Adapter {
	a, err := buildAdapter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "verdant: %v; using defaults\n", err)
	}
	return a
})

// buildAdapter loads the configuration. On error it still returns an adapter
// built from the defaults.
func buildAdapter() (*boundary.Adapter, error) {
	conf, loadErr := configpkg.Load()
	if loadErr != nil {
		conf = configpkg.Default()
	}
	log, err := loggingpkg.New(conf.LogLevel, conf.LogFormat, os.Stderr)
	if err != nil {
		log = loggingpkg.Nop()
	}
	return boundary.NewAdapter(conf, log, cAllocator{}, boundary.Options{}), loadErr
}

func serviceOf(h *C.VerdantService) *runtime.Service {
	if h == nil || h.id == 0 {
		return nil
	}
	return cgo.Handle(h.id).Value().(*runtime.Service)
}

func runtimeOf(h *C.VerdantRuntime) *runtime.Runtime {
	if h == nil || h.id == 0 {
		return nil
	}
	return cgo.Handle(h.id).Value().(*runtime.Runtime)
}

//export verdant_service_new
func verdant_service_new(discovery C.bool, rt *C.VerdantRuntime) *C.VerdantService {
	svc, err := adapter().NewService(bool(discovery), runtimeOf(rt))
	if err != nil {
		return nil
	}
	h := (*C.VerdantService)(C.malloc(C.size_t(unsafe.Sizeof(C.VerdantService{}))))
	h.id = C.uintptr_t(cgo.NewHandle(svc))
	return h
}

//export verdant_service_free
func verdant_service_free(h *C.VerdantService) {
	if h == nil {
		return
	}
	svc := serviceOf(h)
	if svc != nil {
		cgo.Handle(h.id).Delete()
		h.id = 0
		adapter().FreeService(svc)
	}
	C.free(unsafe.Pointer(h))
}

//export verdant_service_login
func verdant_service_login(h *C.VerdantService, url, username, password *C.char) C.int32_t {
	svc := serviceOf(h)
	if svc == nil || url == nil || username == nil || password == nil {
		return C.int32_t(boundary.StatusInvalidArgument)
	}
	status := adapter().Login(svc, C.GoString(url), C.GoString(username), C.GoString(password))
	return C.int32_t(status)
}

//export verdant_service_set_discovery
func verdant_service_set_discovery(h *C.VerdantService, enabled C.bool) C.int32_t {
	svc := serviceOf(h)
	if svc == nil {
		return C.int32_t(boundary.StatusInvalidArgument)
	}
	return C.int32_t(adapter().SetDiscovery(svc, bool(enabled)))
}

//export verdant_service_add_server
func verdant_service_add_server(h *C.VerdantService, url, name *C.char) C.int32_t {
	svc := serviceOf(h)
	if svc == nil || url == nil {
		return C.int32_t(boundary.StatusInvalidArgument)
	}
	var serverName string
	if name != nil {
		serverName = C.GoString(name)
	}
	return C.int32_t(adapter().AddServer(svc, C.GoString(url), serverName))
}

//export verdant_service_try_recv
func verdant_service_try_recv(h *C.VerdantService) C.VerdantEvent {
	ev := adapter().TryRecv(serviceOf(h))
	return C.VerdantEvent{
		tag:     C.uint32_t(ev.Tag),
		payload: (*C.char)(ev.Payload),
	}
}

//export verdant_free_cstring
func verdant_free_cstring(p *C.char) {
	adapter().Release(unsafe.Pointer(p))
}

//export verdant_runtime_new
func verdant_runtime_new() C.VerdantRuntime {
	rt, err := adapter().NewRuntime()
	if err != nil {
		return C.VerdantRuntime{}
	}
	return C.VerdantRuntime{id: C.uintptr_t(cgo.NewHandle(rt))}
}

//export verdant_runtime_free
func verdant_runtime_free(h *C.VerdantRuntime) {
	rt := runtimeOf(h)
	if rt == nil {
		return
	}
	cgo.Handle(h.id).Delete()
	h.id = 0
	adapter().FreeRuntime(rt)
}
