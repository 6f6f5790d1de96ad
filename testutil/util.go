/*
Copyright 2024 The Layerforge Authors

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

package testutil

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// T wraps testing.T with assertion helpers and teardown-aware overrides.
type T struct {
	*testing.T
	teardownActions []func()
}

// Run runs f as a subtest with a *T wrapper.
func Run(t *testing.T, name string, f func(t *T)) {
	t.Run(name, func(tt *testing.T) {
		wrapped := &T{T: tt}
		defer wrapped.teardown()
		f(wrapped)
	})
}

// Override replaces the value pointed to by dest with tmp for the duration
// of the test, restoring the original value on teardown.
func (t *T) Override(dest, tmp interface{}) {
	t.Helper()
	restore, err := override(dest, tmp)
	if err != nil {
		t.Fatalf("unable to override value: %v", err)
	}
	t.teardownActions = append(t.teardownActions, restore)
}

func (t *T) CheckNoError(err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func (t *T) CheckError(shouldErr bool, err error) {
	t.Helper()
	CheckError(t.T, shouldErr, err)
}

// CheckErrorContains checks that err is non-nil and its message contains
// message.
func (t *T) CheckErrorContains(message string, err error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error containing %q, but returned none", message)
		return
	}
	if !strings.Contains(err.Error(), message) {
		t.Errorf("expected error containing %q, but found %q", message, err.Error())
	}
}

func (t *T) CheckDeepEqual(expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	CheckDeepEqual(t.T, expected, actual, opts...)
}

func (t *T) CheckErrorAndDeepEqual(shouldErr bool, err error, expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	CheckErrorAndDeepEqual(t.T, shouldErr, err, expected, actual, opts...)
}

// CheckTrue errors when v is false.
func (t *T) CheckTrue(v bool) {
	t.Helper()
	if !v {
		t.Errorf("expected true, but found false")
	}
}

// CheckFalse errors when v is true.
func (t *T) CheckFalse(v bool) {
	t.Helper()
	if v {
		t.Errorf("expected false, but found true")
	}
}

func (t *T) teardown() {
	for i := len(t.teardownActions) - 1; i >= 0; i-- {
		t.teardownActions[i]()
	}
}

func override(dest, tmp interface{}) (func(), error) {
	dValue := reflect.ValueOf(dest)
	if dValue.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("destination is not a pointer")
	}
	dElem := dValue.Elem()
	if !dElem.CanSet() {
		return nil, fmt.Errorf("destination is not settable")
	}

	saved := reflect.New(dElem.Type()).Elem()
	saved.Set(dElem)

	var tValue reflect.Value
	if tmp == nil {
		tValue = reflect.Zero(dElem.Type())
	} else {
		tValue = reflect.ValueOf(tmp)
	}
	if !tValue.Type().AssignableTo(dElem.Type()) {
		return nil, fmt.Errorf("value of type %v is not assignable to %v", tValue.Type(), dElem.Type())
	}
	dElem.Set(tValue)

	return func() { dElem.Set(saved) }, nil
}

func CheckDeepEqual(t *testing.T, expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	opts = append(opts, cmpopts.EquateEmpty())
	if diff := cmp.Diff(expected, actual, opts...); diff != "" {
		t.Errorf("%T differ (-want, +got): %s", expected, diff)
	}
}

func CheckErrorAndDeepEqual(t *testing.T, shouldErr bool, err error, expected, actual interface{}, opts ...cmp.Option) {
	t.Helper()
	if err := checkErr(shouldErr, err); err != nil {
		t.Error(err)
		return
	}
	if shouldErr {
		return
	}
	CheckDeepEqual(t, expected, actual, opts...)
}

func CheckError(t *testing.T, shouldErr bool, err error) {
	t.Helper()
	if err := checkErr(shouldErr, err); err != nil {
		t.Error(err)
	}
}

func checkErr(shouldErr bool, err error) error {
	if err == nil && shouldErr {
		return fmt.Errorf("expected error, but returned none")
	}
	if err != nil && !shouldErr {
		return fmt.Errorf("unexpected error: %s", err)
	}
	return nil
}
