/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package phc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFDToClockID(t *testing.T) {
	require.Equal(t, int32(-21), FDToClockID(2))
	require.Equal(t, int32(-29), FDToClockID(3))
}

func TestIfaceToPHCDeviceNoSupport(t *testing.T) {
	// loopback never has a PHC behind it
	dev, err := IfaceToPHCDevice("lo")
	require.Error(t, err)
	require.Empty(t, dev)
}

func TestIfaceToPHCDeviceBogusIface(t *testing.T) {
	_, err := IfaceToPHCDevice("definitely-not-a-nic0")
	require.Error(t, err)
}
