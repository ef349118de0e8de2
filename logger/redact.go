// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package logger

import (
	"fmt"
	"sync/atomic"
)

// redactionPlaceholder is printed in place of sensitive values.
const redactionPlaceholder = "<redacted>"

var redact atomic.Bool

// SetRedactSensitive controls whether values wrapped with Sensitive are
// printed. Row values and keys are user data, so servers turn this on when
// configured to.
func SetRedactSensitive(on bool) { redact.Store(on) }

// RedactSensitive reports the current redaction setting.
func RedactSensitive() bool { return redact.Load() }

// Sensitive wraps a value that may contain user data. It formats as the
// wrapped value unless redaction is on.
func Sensitive(v interface{}) SensitiveValue { return SensitiveValue{v: v} }

type SensitiveValue struct {
	v interface{}
}

func (s SensitiveValue) String() string {
	if redact.Load() {
		return redactionPlaceholder
	}
	return fmt.Sprint(s.v)
}

// Format makes %v, %s and %q behave like String, so verbs applied to the
// wrapper never leak the underlying value.
func (s SensitiveValue) Format(f fmt.State, verb rune) {
	switch verb {
	case 'q':
		fmt.Fprintf(f, "%q", s.String())
	default:
		fmt.Fprint(f, s.String())
	}
}
