// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package ptr

// Of returns a pointer to the passed value.
func Of[T any](v T) *T {
	return &v
}

func Int32ToPtr(i int32) *int32 {
	return &i
}

func StringToPtr(s string) *string {
	return &s
}
