// Copyright 2024 CacheFS Authors
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

package vfs

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"cachefs/internal/common"
)

// Error codes returned by the dispatcher
var (
	ENOENT  = syscall.ENOENT  // No such file or directory
	ENOTDIR = syscall.ENOTDIR // Not a directory
	EISDIR  = syscall.EISDIR  // Is a directory
	EBADF   = syscall.EBADF   // Bad file descriptor
	EINVAL  = syscall.EINVAL  // Invalid argument
	ENOTSUP = syscall.ENOTSUP // Operation not supported
	EIO     = syscall.EIO     // I/O error
	EACCES  = syscall.EACCES  // Permission denied
	EPERM   = syscall.EPERM   // Operation not permitted
	EROFS   = syscall.EROFS   // Read-only file system
	EINTR   = syscall.EINTR   // Interrupted system call
)

// ToErrno maps an error from the dispatcher or the backing filesystem to the
// errno reported to the host. Errnos inside *os.PathError and friends are
// passed through unchanged.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch {
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, common.ErrNotFound):
		return ENOENT
	case errors.Is(err, fs.ErrPermission):
		return EACCES
	case errors.Is(err, fs.ErrExist), errors.Is(err, common.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, fs.ErrClosed), errors.Is(err, common.ErrInvalidHandle):
		return EBADF
	case errors.Is(err, fs.ErrInvalid), errors.Is(err, common.ErrInvalidPath):
		return EINVAL
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrReadOnly):
		return EROFS
	case errors.Is(err, common.ErrNotSupported):
		return ENOTSUP
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return EINTR
	default:
		return EIO
	}
}
