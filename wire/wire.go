// Package wire defines the JSON messages exchanged between the host and a
// provider over a message channel such as a websocket.
//
// A provider connection carries:
//
//	provider -> host  mount    {mount: MountOptions}
//	host -> provider  mounted  {fileSystemId, error?}
//	host -> provider  request  {fileSystemId, requestId, operation, options}
//	provider -> host  reply    {fileSystemId, requestId, operation, value?, hasMore, error?}
//	provider -> host  unmount  {fileSystemId}
//	host -> provider  unmounted {fileSystemId, error?}
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"vfsprovider/vfs"
)

type Kind string

const (
	KindMount     Kind = "mount"
	KindMounted   Kind = "mounted"
	KindRequest   Kind = "request"
	KindReply     Kind = "reply"
	KindUnmount   Kind = "unmount"
	KindUnmounted Kind = "unmounted"
)

// Message is the single envelope type on the wire. Which fields are set
// depends on Kind.
type Message struct {
	Kind         Kind              `json:"kind"`
	FileSystemID string            `json:"fileSystemId,omitempty"`
	RequestID    uint32            `json:"requestId,omitempty"`
	Operation    vfs.Operation     `json:"operation,omitempty"`
	Options      json.RawMessage   `json:"options,omitempty"`
	Mount        *vfs.MountOptions `json:"mount,omitempty"`
	Value        json.RawMessage   `json:"value,omitempty"`
	HasMore      bool              `json:"hasMore,omitempty"`
	Error        *Error            `json:"error,omitempty"`
}

// Marshal encodes m.
func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes one message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to parse message: %w", err)
	}
	if m.Kind == "" {
		return Message{}, errors.New("failed to parse message: missing kind")
	}
	return m, nil
}

// EncodeRequest wraps an outbound provider request.
func EncodeRequest(req vfs.Request) (Message, error) {
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s options: %w", req.Options.Operation(), err)
	}
	return Message{
		Kind:         KindRequest,
		FileSystemID: req.Options.FileSystem(),
		RequestID:    uint32(req.ID),
		Operation:    req.Options.Operation(),
		Options:      opts,
	}, nil
}

// DecodeRequest is the inverse of EncodeRequest. The options are rebuilt
// through the typed constructors, so missing required fields are rejected.
func DecodeRequest(m Message) (vfs.Request, error) {
	if m.Kind != KindRequest {
		return vfs.Request{}, fmt.Errorf("expected %s message, got %s", KindRequest, m.Kind)
	}
	opts, err := decodeOptions(m.Operation, m.Options)
	if err != nil {
		return vfs.Request{}, err
	}
	return vfs.Request{ID: vfs.RequestID(m.RequestID), Options: opts}, nil
}

func decodeOptions(op vfs.Operation, raw json.RawMessage) (vfs.RequestedOptions, error) {
	switch op {
	case vfs.OpAbort:
		var o vfs.AbortOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, optionsError(op, err)
		}
		return vfs.NewAbortOptions(o.FileSystemID, o.OperationRequestID)
	case vfs.OpGetMetadata:
		var o vfs.GetMetadataOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, optionsError(op, err)
		}
		return vfs.NewGetMetadataOptions(o.FileSystemID, o.EntryPath)
	case vfs.OpOpenFile:
		var o vfs.OpenFileOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, optionsError(op, err)
		}
		return vfs.NewOpenFileOptions(o.FileSystemID, o.FilePath, o.Mode)
	case vfs.OpCloseFile:
		var o vfs.CloseFileOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, optionsError(op, err)
		}
		return vfs.NewCloseFileOptions(o.FileSystemID, o.OpenRequestID)
	case vfs.OpReadDirectory:
		var o vfs.ReadDirectoryOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, optionsError(op, err)
		}
		return vfs.NewReadDirectoryOptions(o.FileSystemID, o.DirPath)
	case vfs.OpReadFile:
		var o vfs.ReadFileOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, optionsError(op, err)
		}
		return vfs.NewReadFileOptions(o.FileSystemID, o.OpenRequestID, o.Offset, o.Length)
	case vfs.OpUnmount:
		var o vfs.UnmountOptions
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, optionsError(op, err)
		}
		return vfs.NewUnmountOptions(o.FileSystemID)
	}
	return nil, fmt.Errorf("%w: unknown operation %q", vfs.ErrProtocol, op)
}

func optionsError(op vfs.Operation, err error) error {
	return fmt.Errorf("%w: bad %s options: %v", vfs.ErrProtocol, op, err)
}

// EncodeReply wraps a provider reply to a request of kind op.
func EncodeReply(op vfs.Operation, r vfs.Reply) (Message, error) {
	m := Message{
		Kind:         KindReply,
		FileSystemID: r.FileSystemID,
		RequestID:    uint32(r.RequestID),
		Operation:    op,
	}
	if r.Err != nil {
		m.Error = NewError(r.Err)
		return m, nil
	}
	m.HasMore = r.HasMore
	if r.Value != nil {
		v, err := json.Marshal(r.Value)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s value: %w", op, err)
		}
		m.Value = v
	}
	return m, nil
}

// DecodeReply is the inverse of EncodeReply.
func DecodeReply(m Message) (vfs.Reply, error) {
	if m.Kind != KindReply {
		return vfs.Reply{}, fmt.Errorf("expected %s message, got %s", KindReply, m.Kind)
	}
	r := vfs.Reply{
		FileSystemID: m.FileSystemID,
		RequestID:    vfs.RequestID(m.RequestID),
		HasMore:      m.HasMore,
	}
	if m.Error != nil {
		r.Err = m.Error.Err()
		return r, nil
	}
	v, err := decodeValue(m.Operation, m.Value)
	if err != nil {
		return vfs.Reply{}, err
	}
	r.Value = v
	return r, nil
}

func decodeValue(op vfs.Operation, raw json.RawMessage) (vfs.RequestValue, error) {
	switch op {
	case vfs.OpGetMetadata:
		var v vfs.GetMetadataValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, valueError(op, err)
		}
		return v, nil
	case vfs.OpReadDirectory:
		var v vfs.ReadDirectoryValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, valueError(op, err)
		}
		return v, nil
	case vfs.OpReadFile:
		var v vfs.ReadFileValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, valueError(op, err)
		}
		return v, nil
	case vfs.OpAbort, vfs.OpOpenFile, vfs.OpCloseFile, vfs.OpUnmount:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unknown operation %q", vfs.ErrProtocol, op)
}

func valueError(op vfs.Operation, err error) error {
	return fmt.Errorf("%w: bad %s value: %v", vfs.ErrProtocol, op, err)
}
