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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/memshare/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/memshare/pkg/apis/config/v1alpha1/log"
	"github.com/containers/memshare/pkg/apis/config/v1alpha1/memshare"
)

// MemshareConfig represents the configuration of a shared buffer daemon.
// +kubebuilder:object:root=true
type MemshareConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   MemshareConfigSpec `json:"spec"`
	Status ConfigStatus       `json:"status,omitempty"`
}

// MemshareConfigSpec describes a shared buffer device and its daemon.
type MemshareConfigSpec struct {
	memshare.Config `json:",inline"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// ConfigStatus is the status of taking a configuration into use.
type ConfigStatus struct {
	// Status of activating the configuration.
	// +kubebuilder:validation:Enum=Success;Failure
	Status string `json:"status,omitempty"`
	// Generation is the generation the configuration this status was set for.
	Generation int64 `json:"generation,omitempty"`
	// Error can provide further details of a configuration error.
	Error *string `json:"errors,omitempty"`
	// Timestamp of setting this status.
	Timestamp metav1.Time `json:"timestamp,omitempty"`
}
