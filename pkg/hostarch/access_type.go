// Copyright 2018 The gVisor Authors.
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

package hostarch

// AccessType specifies memory access types. A memory access that faults
// carries the AccessType that was attempted.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// User is set for accesses made on behalf of user code, as opposed to
	// the kernel's own accesses.
	User bool
}

var (
	// Read is user read access.
	Read = AccessType{Read: true, User: true}

	// Write is user write access.
	Write = AccessType{Write: true, User: true}

	// ReadWrite is user read and write access.
	ReadWrite = AccessType{Read: true, Write: true, User: true}
)

// String returns a pretty representation of the access type using "rw-"
// style notation, with "u" appended for user accesses.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.User {
		bits[2] = 'u'
	}
	return string(bits[:])
}
