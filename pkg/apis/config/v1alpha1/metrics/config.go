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

package metrics

// Config provides runtime configuration for metrics collection.
// +kubebuilder:object:generate=true
type Config struct {
	// Enabled lists the metrics collectors or groups to enable. Entries are
	// shell-style globs matched against collector and group names.
	// +optional
	// +kubebuilder:example={"memshare","buildinfo"}
	Enabled []string `json:"enabled,omitempty"`
	// Polled lists the metrics collectors or groups to collect periodically
	// instead of on demand.
	// +optional
	Polled []string `json:"polled,omitempty"`
}
