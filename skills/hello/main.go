//go:build tinygo.wasm

// Package main implements the "hello" example skill. It shows the three
// things most skills do: read frozen config, answer tool calls, and
// publish dashboard data.
package main

import (
	"encoding/json"
	"unsafe"
)

// Host functions imported from the bd module
//
//go:wasmimport bd host_call
func hostCall(fnPtr, fnLen, argsPtr, argsLen uint32) uint64

//go:wasmimport bd log
func hostLog(level uint32, msgPtr, msgLen uint32)

// Log levels
const (
	LogDebug = 0
	LogInfo  = 1
	LogWarn  = 2
	LogError = 3
)

var greeting = "Hello"

// pinned keeps host-visible buffers alive until bd_free.
var pinned = map[uint32][]byte{}

//export bd_malloc
func bd_malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	pinned[ptr] = buf
	return ptr
}

//export bd_free
func bd_free(ptr uint32) {
	delete(pinned, ptr)
}

//export bd_start
func bd_start() uint64 {
	reply := callHost("config_get", `{"key":"greeting"}`)
	var cfg struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal([]byte(reply), &cfg); err == nil && cfg.Value != "" {
		greeting = cfg.Value
	}
	log(LogInfo, "hello skill started")
	return 0
}

//export bd_call
func bd_call(fnPtr, fnLen, argsPtr, argsLen uint32) uint64 {
	fn := readString(fnPtr, fnLen)
	args := readString(argsPtr, argsLen)

	var result string
	switch fn {
	case "hello":
		result = handleHello(args)
	case "refresh":
		result = handleRefresh()
	default:
		result = `{"error":"unknown handler: ` + fn + `"}`
	}
	return writeResult(result)
}

func handleHello(argsJSON string) string {
	name := "World"
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err == nil && args.Name != "" {
		name = args.Name
	}

	out, _ := json.Marshal(map[string]string{
		"message": greeting + ", " + name + "!",
	})
	return string(out)
}

// handleRefresh publishes the current greeting as dashboard data and
// broadcasts a greeted event for other skills with read access.
func handleRefresh() string {
	doc, _ := json.Marshal(map[string]string{"greeting": greeting})
	callHost("data_set", `{"key":"state","value":`+string(doc)+`}`)
	callHost("data_emit", `{"event":"greeted","payload":`+string(doc)+`}`)
	return `{"published":true}`
}

func readString(ptr, length uint32) string {
	if ptr == 0 || length == 0 {
		return ""
	}
	return unsafe.String((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

func writeResult(s string) uint64 {
	if len(s) == 0 {
		return 0
	}
	ptr := bd_malloc(uint32(len(s)))
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(s))
	copy(dst, s)
	return (uint64(ptr) << 32) | uint64(len(s))
}

func writeString(s string) (uint32, uint32) {
	if len(s) == 0 {
		return 0, 0
	}
	ptr := bd_malloc(uint32(len(s)))
	dst := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(s))
	copy(dst, s)
	return ptr, uint32(len(s))
}

func log(level uint32, msg string) {
	ptr, length := writeString(msg)
	hostLog(level, ptr, length)
	bd_free(ptr)
}

func callHost(fn string, args string) string {
	fnPtr, fnLen := writeString(fn)
	argsPtr, argsLen := writeString(args)
	packed := hostCall(fnPtr, fnLen, argsPtr, argsLen)
	bd_free(fnPtr)
	bd_free(argsPtr)

	resultPtr := uint32(packed >> 32)
	resultLen := uint32(packed)
	if resultPtr == 0 || resultLen == 0 {
		return ""
	}
	result := readString(resultPtr, resultLen)
	bd_free(resultPtr)
	return result
}

func main() {}
