package vfs

import "fmt"

// RequestValue is the payload of a successful provider reply. Operations
// without a payload (openFile, closeFile, abort, unmount) succeed with a nil
// RequestValue. The set of implementations is closed.
type RequestValue interface {
	isRequestValue()
}

type GetMetadataValue struct {
	Metadata EntryMetadata `json:"metadata"`
}

// ReadDirectoryValue is one delivery of a directory listing.
type ReadDirectoryValue struct {
	Entries []EntryMetadata `json:"entries"`
}

// ReadFileValue is one delivery of file contents.
type ReadFileValue struct {
	Data []byte `json:"data"`
}

func (GetMetadataValue) isRequestValue()   {}
func (ReadDirectoryValue) isRequestValue() {}
func (ReadFileValue) isRequestValue()      {}

// Concat returns v's entries followed by other's. Duplicates are kept.
// Neither operand is modified.
func (v ReadDirectoryValue) Concat(other ReadDirectoryValue) ReadDirectoryValue {
	entries := make([]EntryMetadata, 0, len(v.Entries)+len(other.Entries))
	entries = append(entries, v.Entries...)
	entries = append(entries, other.Entries...)
	return ReadDirectoryValue{Entries: entries}
}

// Concat returns v's data followed by other's.
func (v ReadFileValue) Concat(other ReadFileValue) ReadFileValue {
	data := make([]byte, 0, len(v.Data)+len(other.Data))
	data = append(data, v.Data...)
	data = append(data, other.Data...)
	return ReadFileValue{Data: data}
}

// checkValue reports whether value is an acceptable success payload for op.
func checkValue(op Operation, value RequestValue) error {
	ok := false
	switch op {
	case OpGetMetadata:
		_, ok = value.(GetMetadataValue)
	case OpReadDirectory:
		_, ok = value.(ReadDirectoryValue)
	case OpReadFile:
		_, ok = value.(ReadFileValue)
	case OpOpenFile, OpCloseFile, OpAbort, OpUnmount:
		ok = value == nil
	}
	if !ok {
		return fmt.Errorf("%w: %s reply carries %T", ErrProtocol, op, value)
	}
	return nil
}

// multipart reports whether op may be answered by several deliveries.
func multipart(op Operation) bool {
	return op == OpReadDirectory || op == OpReadFile
}
