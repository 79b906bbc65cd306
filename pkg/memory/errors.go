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
package memory

import (
	"fmt"

	"github.com/containers/hsa-runtime/pkg/core"
)

var (
	ErrNoMem         = fmt.Errorf("%w: memory: insufficient available memory", core.ErrOutOfResources)
	ErrUnknownBlock  = fmt.Errorf("%w: memory: unknown allocation", core.ErrInvalidAllocation)
	ErrOutOfBounds   = fmt.Errorf("%w: memory: range exceeds allocation", core.ErrInvalidArgument)
	ErrZeroSize      = fmt.Errorf("%w: memory: zero size", core.ErrInvalidArgument)
	ErrRegionClosed  = fmt.Errorf("%w: memory: region closed", core.ErrInvalidArgument)
	ErrInternalError = fmt.Errorf("memory: internal error")
)
