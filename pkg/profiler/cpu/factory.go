// Copyright 2022-2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package cpu

import "github.com/prometheus/client_golang/prometheus"

// CodeEntryFactory is the code-event listener's entry point for minting
// CodeEntries: it interns the name/resource-name/name-prefix strings it
// is handed so that repeated code events for the same function (a
// re-optimization, a re-inlining) share one backing string, the way the
// source's CodeEntry name fields are shared C string pointers.
type CodeEntryFactory struct {
	interner *stringInterner
}

func NewCodeEntryFactory(reg prometheus.Registerer) *CodeEntryFactory {
	return &CodeEntryFactory{interner: newStringInterner(reg)}
}

// New builds an interned CodeEntry. opts is applied after interning the
// base name, so WithNamePrefix/WithResourceName values passed through
// opts should already be interned by the caller if reuse matters; New
// interns name itself unconditionally.
func (f *CodeEntryFactory) New(tag Tag, name string, opts ...CodeEntryOption) *CodeEntry {
	return NewCodeEntry(tag, f.interner.Intern(name), opts...)
}

// InternedNamePrefix and InternedResourceName let a caller intern an
// option value through the same table before passing it to New via
// WithNamePrefix/WithResourceName.
func (f *CodeEntryFactory) InternedNamePrefix(prefix string) CodeEntryOption {
	return WithNamePrefix(f.interner.Intern(prefix))
}

func (f *CodeEntryFactory) InternedResourceName(resourceName string) CodeEntryOption {
	return WithResourceName(f.interner.Intern(resourceName))
}
