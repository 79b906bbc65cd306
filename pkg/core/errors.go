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
package core

import "fmt"

// Errors returned by runtime operations. Callers should test for them
// using errors.Is, as they are usually wrapped with further details.
var (
	ErrInvalidArgument   = fmt.Errorf("hsa: invalid argument")
	ErrOutOfResources    = fmt.Errorf("hsa: out of resources")
	ErrInvalidAllocation = fmt.Errorf("hsa: invalid allocation")
	ErrNotInitialized    = fmt.Errorf("hsa: runtime not initialized")
	ErrDriver            = fmt.Errorf("hsa: driver error")
	ErrIncompatible      = fmt.Errorf("hsa: incompatible version")
	ErrShutdown          = fmt.Errorf("hsa: shutting down")
)
