package sglog

import (
	"io"
	"os"
	"reflect"
)

// GetPointer returns the memory address of the given value as an unsigned integer.
// It does the same thing as fmt.Sprintf("%p", v) but without formatting.
func GetPointer(value any) uint {
	ptr := reflect.ValueOf(value).Pointer()
	return uint(ptr)
}

// newWriter returns stdout for an empty path, otherwise the file opened in append mode.
func newWriter(filepath string) (*os.File, io.Writer, error) {
	if filepath == "" {
		return nil, os.Stdout, nil
	}
	f, err := os.OpenFile(filepath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return f, f, nil
}
