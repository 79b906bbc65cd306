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

package klogcontrol

import "strconv"

// Config represents the runtime configurable subset of klog flags.
type Config struct {
	// If true, adds the file directory to the header of the log messages
	// +optional
	AddDirHeader *bool `json:"add_dir_header,omitempty"`
	// If true, log to standard error as well as files
	// +optional
	AlsoToStderr *bool `json:"alsologtostderr,omitempty"`
	// If non-empty, write log files in this directory
	// +optional
	LogDir string `json:"log_dir,omitempty"`
	// If non-empty, use this log file
	// +optional
	LogFile string `json:"log_file,omitempty"`
	// If true, log to standard error instead of files
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// If true, avoid header prefixes in the log messages
	// +optional
	SkipHeaders *bool `json:"skip_headers,omitempty"`
	// If true, avoid headers when opening log files
	// +optional
	SkipLogHeaders *bool `json:"skip_log_headers,omitempty"`
	// Logs at or above this threshold go to stderr when writing to files
	// +optional
	StderrThreshold string `json:"stderrthreshold,omitempty"`
	// Number for the log level verbosity
	// +optional
	V *int `json:"v,omitempty"`
	// Comma-separated list of pattern=N settings for file-filtered logging
	// +optional
	Vmodule string `json:"vmodule,omitempty"`
}

// GetByFlag returns the value of the configuration field for a klog flag,
// and whether the field is set at all.
func (c *Config) GetByFlag(name string) (string, bool) {
	boolean := func(b *bool) (string, bool) {
		if b == nil {
			return "", false
		}
		return strconv.FormatBool(*b), true
	}
	str := func(s string) (string, bool) {
		return s, s != ""
	}

	switch name {
	case "add_dir_header":
		return boolean(c.AddDirHeader)
	case "alsologtostderr":
		return boolean(c.AlsoToStderr)
	case "log_dir":
		return str(c.LogDir)
	case "log_file":
		return str(c.LogFile)
	case "logtostderr":
		return boolean(c.Logtostderr)
	case "skip_headers":
		return boolean(c.SkipHeaders)
	case "skip_log_headers":
		return boolean(c.SkipLogHeaders)
	case "stderrthreshold":
		return str(c.StderrThreshold)
	case "v":
		if c.V == nil {
			return "", false
		}
		return strconv.Itoa(*c.V), true
	case "vmodule":
		return str(c.Vmodule)
	}
	return "", false
}
