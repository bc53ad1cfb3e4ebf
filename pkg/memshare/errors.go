// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package memshare

import "fmt"

var (
	ErrFailedOption    = fmt.Errorf("memshare: failed to apply option")
	ErrInvalidArgument = fmt.Errorf("memshare: invalid argument")
	ErrOutOfMemory     = fmt.Errorf("memshare: out of memory")
	ErrInvalidHandle   = fmt.Errorf("memshare: invalid handle")
	ErrUnsupported     = fmt.Errorf("memshare: operation not supported by heap")
	ErrNoDevice        = fmt.Errorf("memshare: no heap produced a buffer")
	ErrImportRejected  = fmt.Errorf("memshare: import rejected")
	ErrClosed          = fmt.Errorf("memshare: device or client closed")
	ErrHeapExists      = fmt.Errorf("memshare: heap already exists")
)
