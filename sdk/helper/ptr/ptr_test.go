// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package ptr

import (
	"testing"

	"github.com/shoenig/test/must"
)

func Test_Of(t *testing.T) {

	s := "hello"
	sPtr := Of(s)

	must.Eq(t, s, *sPtr)

	b := "bye"
	sPtr = &b
	must.NotEq(t, s, *sPtr)
}

func Test_Int32ToPtr(t *testing.T) {
	i := int32(3)
	must.Eq(t, i, *Int32ToPtr(i))
}
