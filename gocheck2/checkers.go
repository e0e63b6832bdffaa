// Extensions to the go-check unittest framework.
//
// NOTE: see https://github.com/go-check/check/pull/6 for reasons why these
// checkers live here.
package gocheck2

import (
	"reflect"

	. "gopkg.in/check.v1"

	"github.com/futureweb/gomemcache/errors"
)

// -----------------------------------------------------------------------
// IsTrue / IsFalse checker.

type isBoolValueChecker struct {
	*CheckerInfo
	expected bool
}

func (checker *isBoolValueChecker) Check(
	params []interface{},
	names []string) (
	result bool,
	error string) {

	obtained, ok := params[0].(bool)
	if !ok {
		return false, "Argument to " + checker.Name + " must be bool"
	}

	return obtained == checker.expected, ""
}

// The IsTrue checker verifies that the obtained value is true.
//
// For example:
//
//     c.Assert(value, IsTrue)
//
var IsTrue Checker = &isBoolValueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"obtained"}},
	true,
}

// The IsFalse checker verifies that the obtained value is false.
//
// For example:
//
//     c.Assert(value, IsFalse)
//
var IsFalse Checker = &isBoolValueChecker{
	&CheckerInfo{Name: "IsFalse", Params: []string{"obtained"}},
	false,
}

// -----------------------------------------------------------------------
// HasKey checker.

type hasKey struct {
	*CheckerInfo
}

func (checker *hasKey) Check(
	params []interface{},
	names []string) (
	result bool,
	error string) {

	m := reflect.ValueOf(params[0])
	if m.Kind() != reflect.Map {
		return false, "First argument to HasKey must be a map"
	}

	key := reflect.ValueOf(params[1])
	if !key.IsValid() || !key.Type().AssignableTo(m.Type().Key()) {
		return false, "Second argument must be assignable to the map key type"
	}

	return m.MapIndex(key).IsValid(), ""
}

// The HasKey checker verifies that the obtained map contains the given key.
//
// For example:
//
//     c.Assert(stats, HasKey, "cache1:11211")
//
var HasKey Checker = &hasKey{
	&CheckerInfo{Name: "HasKey", Params: []string{"obtained", "key"}},
}

// -----------------------------------------------------------------------
// ErrorIs checker.

type errorIs struct {
	*CheckerInfo
}

func (checker *errorIs) Check(
	params []interface{},
	names []string) (
	result bool,
	errStr string) {

	if params[0] == nil {
		return params[1] == nil, ""
	}
	obtained, ok := params[0].(error)
	if !ok {
		return false, "First argument to ErrorIs must be an error"
	}
	target, ok := params[1].(error)
	if !ok {
		return false, "Second argument to ErrorIs must be an error"
	}

	return errors.Is(obtained, target), ""
}

// The ErrorIs checker verifies that the obtained error wraps the expected
// one, as reported by errors.Is.
//
// For example:
//
//     c.Assert(err, ErrorIs, net2.ErrPoolExhausted)
//
var ErrorIs Checker = &errorIs{
	&CheckerInfo{Name: "ErrorIs", Params: []string{"obtained", "expected"}},
}
