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

package stats

import "time"

// RTRecord is a real-time statistics snapshot for one sync instance,
// posted to the engine on every servo update and on LOG_STATS.
type RTRecord struct {
	Time         time.Time `json:"time"`
	Instance     string    `json:"instance"`
	Module       string    `json:"module"`
	Clock        string    `json:"clock"`
	Selected     bool      `json:"selected"`
	Synchronized bool      `json:"in-sync"`
	Alarms       string    `json:"alarms"`
	OffsetNS     float64   `json:"offset"`
	FreqAdjPPB   float64   `json:"freq-adj"`
	PTerm        float64   `json:"p-term"`
	ITerm        float64   `json:"i-term"`
}
