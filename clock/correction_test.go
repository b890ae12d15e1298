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

package clock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCorrectionRoundTrip(t *testing.T) {
	store := &correctionStore{dir: t.TempDir()}

	require.Equal(t, 0.0, store.load("phc0"))

	require.NoError(t, store.save("phc0", -123.456))
	require.InDelta(t, -123.456, store.load("phc0"), 1e-6)

	// corrupt file falls back to zero
	require.NoError(t, os.WriteFile(store.path("phc0"), []byte("junk\n"), 0o644))
	require.Equal(t, 0.0, store.load("phc0"))
}

func TestCorrectionNoDir(t *testing.T) {
	store := &correctionStore{}
	require.Equal(t, 0.0, store.load("phc0"))
	require.NoError(t, store.save("phc0", 1.0))
}

func TestCorrectionPath(t *testing.T) {
	store := &correctionStore{dir: "/var/lib/sfptpd"}
	require.Equal(t, filepath.Join("/var/lib/sfptpd", "freq-correction-eth0"),
		store.path("eth0"))
}
