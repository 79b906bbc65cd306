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
	"math"
	"strconv"
	"strings"

	logger "github.com/containers/hsa-runtime/pkg/log"
)

var (
	log     = logger.Get("memory")
	details = logger.Get("memory-details")
)

// Dump logs the state of the region.
func (r *Region) Dump(context ...interface{}) {
	prefix := formatPrefix(context...)

	r.lock.RLock()
	defer r.lock.RUnlock()

	log.Info("%s%s region %s: %s of %s used, granule %s", prefix, r.kind, r.name,
		prettySize(r.used), prettySize(r.capacity), prettySize(r.granule))

	if !details.DebugEnabled() {
		return
	}

	if r.blocks.len() == 0 {
		details.Debug("%s  no allocations", prefix)
		return
	}

	details.Debug("%s  allocations:", prefix)
	r.blocks.foreach(func(b *block) bool {
		acl := r.access[b.base]
		details.Debug("%s    - %s: %s (restricted %v, %d extra agents)", prefix,
			b.base, prettySize(b.size), acl.restricted, len(acl.allowed))
		return true
	})
}

// HumanReadableSize returns the given size as a human-readable string.
func HumanReadableSize(size uint64) string {
	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, uint64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					str := strings.TrimRight(fmt.Sprintf("%.3f", fval), "0")
					return strings.TrimSuffix(str, ".") + units[i]
				}
				return fmt.Sprintf("%d%s", val, units[i])
			}
		}
	}

	return strconv.FormatUint(size, 10)
}

func prettySize(v uint64) string {
	return HumanReadableSize(v)
}

func formatPrefix(args ...interface{}) string {
	if len(args) == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!memory:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
