// Copyright 2025 The gVisor Authors.
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

// Package vmerr contains the error values returned by memory objects and
// their collaborators.
package vmerr

import (
	"errors"

	"golang.org/x/sys/unix"
	vmerrors "gvisor.dev/inodevm/pkg/errors"
)

var (
	// ErrNoMemory is returned when a frame, a frame table, a dirty bitmap or
	// a clone could not be allocated.
	ErrNoMemory = vmerrors.New(unix.ENOMEM, "out of memory")

	// ErrIO is returned when the storage layer fails to read or write a page.
	ErrIO = vmerrors.New(unix.EIO, "I/O error")

	// ErrFault is returned to a faulting task whose access cannot be
	// satisfied.
	ErrFault = vmerrors.New(unix.EFAULT, "bad address")

	// ErrOutOfRange is returned for page indices beyond a memory object's
	// page count.
	ErrOutOfRange = vmerrors.New(unix.EINVAL, "page index out of range")
)

// Errno returns the errno carried by err, or 0 if err carries none.
func Errno(err error) unix.Errno {
	var e *vmerrors.Error
	if errors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
