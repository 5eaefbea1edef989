// Copyright 2024 The Tektite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package algo defines the interface between the camera algorithm bridge and a vendor algorithm library.
package algo

const (
	// LibraryName is the file the algorithm server loads the vendor implementation from.
	LibraryName = "libcam_algo.so"
	// SymbolName is the exported symbol holding the vendor Ops.
	SymbolName = "CAMI"
)

/*
Ops is the table of entry points a vendor library implements.

Initialize is called once per session with the callback table the library must use to report completed requests. It
returns 0 on success or a negated errno.

RegisterBuffer maps the buffer behind fd and returns a non-negative handle for it, or a negated errno. The library
owns fd once the call returns.

Request starts processing of the buffer with the given handle. header is opaque to the bridge and must not be
retained after the call returns. Completion is reported through CallbackOps.ReturnCallback, possibly from a goroutine
owned by the library, with the same reqID.

DeregisterBuffers releases buffers previously registered.
*/
type Ops interface {
	Initialize(callbackOps *CallbackOps) int32
	RegisterBuffer(fd int) int32
	Request(reqID uint32, header []byte, bufferHandle int32)
	DeregisterBuffers(bufferHandles []int32)
}

// MsgCode identifies an out-of-band notification sent to the client.
type MsgCode int32

const (
	MsgIPCError MsgCode = iota + 1
)

func (m MsgCode) String() string {
	switch m {
	case MsgIPCError:
		return "IPC_ERROR"
	default:
		return "UNKNOWN"
	}
}

// CallbackOps is the callback table handed to Ops.Initialize. The table itself identifies the session, so callbacks
// receive it as their first argument.
type CallbackOps struct {
	ReturnCallback func(callbackOps *CallbackOps, reqID uint32, status int32, bufferHandle int32)
	// Notify is only called on the client side.
	Notify func(callbackOps *CallbackOps, msg MsgCode)
}
