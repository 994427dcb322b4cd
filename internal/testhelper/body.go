// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package testhelper

import (
	"io"
	"strings"
)

// NopBody wraps a string into an io.ReadCloser.
func NopBody(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}
