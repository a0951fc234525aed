package binary

import "bytes"

func newTestBuffer() *bytes.Buffer {
	return &bytes.Buffer{}
}
