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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// correctionStore persists per-clock long-term frequency corrections as
// small text files under the daemon state directory. The saved value is
// read back on the next start and used as the servo zero point.
type correctionStore struct {
	dir string
}

func (s *correctionStore) path(id string) string {
	return filepath.Join(s.dir, fmt.Sprintf("freq-correction-%s", id))
}

func (s *correctionStore) load(id string) float64 {
	if s.dir == "" {
		return 0
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warningf("clock %s: reading frequency correction: %v", id, err)
		}
		return 0
	}
	ppb, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		log.Warningf("clock %s: bad frequency correction file: %v", id, err)
		return 0
	}
	return ppb
}

func (s *correctionStore) save(id string, ppb float64) error {
	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path(id), []byte(fmt.Sprintf("%.3f\n", ppb)), 0o644)
}
