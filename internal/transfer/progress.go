/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package transfer

// ProgressFunc receives coarse milestones during export and import.
// percent is 0 to 100 and never moves backwards within one operation;
// status is a short phase description. A nil ProgressFunc is valid and
// reports nothing.
type ProgressFunc func(percent int, status string)

func (f ProgressFunc) report(percent int, status string) {
	if f != nil {
		f(percent, status)
	}
}
