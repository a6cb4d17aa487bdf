package vfs

import "fmt"

// Operation names one kind of provider request.
type Operation string

const (
	OpAbort         Operation = "abort"
	OpGetMetadata   Operation = "getMetadata"
	OpOpenFile      Operation = "openFile"
	OpCloseFile     Operation = "closeFile"
	OpReadDirectory Operation = "readDirectory"
	OpReadFile      Operation = "readFile"
	OpUnmount       Operation = "unmount"
)

// RequestedOptions is the parameter bag of one provider request. The set of
// implementations is closed; switch on the concrete type to inspect one.
type RequestedOptions interface {
	Operation() Operation
	FileSystem() string
	isRequestedOptions()
}

type AbortOptions struct {
	FileSystemID       string    `json:"fileSystemId"`
	OperationRequestID RequestID `json:"operationRequestId"`
}

type GetMetadataOptions struct {
	FileSystemID string `json:"fileSystemId"`
	EntryPath    string `json:"entryPath"`
}

type OpenFileOptions struct {
	FileSystemID string   `json:"fileSystemId"`
	FilePath     string   `json:"filePath"`
	Mode         OpenMode `json:"mode"`
}

type CloseFileOptions struct {
	FileSystemID  string    `json:"fileSystemId"`
	OpenRequestID RequestID `json:"openRequestId"`
}

type ReadDirectoryOptions struct {
	FileSystemID string `json:"fileSystemId"`
	DirPath      string `json:"dirPath"`
}

type ReadFileOptions struct {
	FileSystemID  string    `json:"fileSystemId"`
	OpenRequestID RequestID `json:"openRequestId"`
	Offset        int64     `json:"offset"`
	Length        int64     `json:"length"`
}

type UnmountOptions struct {
	FileSystemID string `json:"fileSystemId"`
}

func (AbortOptions) Operation() Operation         { return OpAbort }
func (GetMetadataOptions) Operation() Operation   { return OpGetMetadata }
func (OpenFileOptions) Operation() Operation      { return OpOpenFile }
func (CloseFileOptions) Operation() Operation     { return OpCloseFile }
func (ReadDirectoryOptions) Operation() Operation { return OpReadDirectory }
func (ReadFileOptions) Operation() Operation      { return OpReadFile }
func (UnmountOptions) Operation() Operation       { return OpUnmount }

func (o AbortOptions) FileSystem() string         { return o.FileSystemID }
func (o GetMetadataOptions) FileSystem() string   { return o.FileSystemID }
func (o OpenFileOptions) FileSystem() string      { return o.FileSystemID }
func (o CloseFileOptions) FileSystem() string     { return o.FileSystemID }
func (o ReadDirectoryOptions) FileSystem() string { return o.FileSystemID }
func (o ReadFileOptions) FileSystem() string      { return o.FileSystemID }
func (o UnmountOptions) FileSystem() string       { return o.FileSystemID }

func (AbortOptions) isRequestedOptions()         {}
func (GetMetadataOptions) isRequestedOptions()   {}
func (OpenFileOptions) isRequestedOptions()      {}
func (CloseFileOptions) isRequestedOptions()     {}
func (ReadDirectoryOptions) isRequestedOptions() {}
func (ReadFileOptions) isRequestedOptions()      {}
func (UnmountOptions) isRequestedOptions()       {}

func requireFileSystemID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: fileSystemId is required", ErrInvalidArgument)
	}
	return nil
}

func NewAbortOptions(fsID string, target RequestID) (AbortOptions, error) {
	if err := requireFileSystemID(fsID); err != nil {
		return AbortOptions{}, err
	}
	return AbortOptions{FileSystemID: fsID, OperationRequestID: target}, nil
}

func NewGetMetadataOptions(fsID, entryPath string) (GetMetadataOptions, error) {
	if err := requireFileSystemID(fsID); err != nil {
		return GetMetadataOptions{}, err
	}
	if entryPath == "" {
		return GetMetadataOptions{}, fmt.Errorf("%w: entryPath is required", ErrInvalidArgument)
	}
	return GetMetadataOptions{FileSystemID: fsID, EntryPath: entryPath}, nil
}

func NewOpenFileOptions(fsID, filePath string, mode OpenMode) (OpenFileOptions, error) {
	if err := requireFileSystemID(fsID); err != nil {
		return OpenFileOptions{}, err
	}
	if filePath == "" {
		return OpenFileOptions{}, fmt.Errorf("%w: filePath is required", ErrInvalidArgument)
	}
	if mode != OpenRead && mode != OpenWrite {
		return OpenFileOptions{}, fmt.Errorf("%w: unknown open mode %d", ErrInvalidArgument, int(mode))
	}
	return OpenFileOptions{FileSystemID: fsID, FilePath: filePath, Mode: mode}, nil
}

func NewCloseFileOptions(fsID string, openID RequestID) (CloseFileOptions, error) {
	if err := requireFileSystemID(fsID); err != nil {
		return CloseFileOptions{}, err
	}
	return CloseFileOptions{FileSystemID: fsID, OpenRequestID: openID}, nil
}

func NewReadDirectoryOptions(fsID, dirPath string) (ReadDirectoryOptions, error) {
	if err := requireFileSystemID(fsID); err != nil {
		return ReadDirectoryOptions{}, err
	}
	if dirPath == "" {
		return ReadDirectoryOptions{}, fmt.Errorf("%w: dirPath is required", ErrInvalidArgument)
	}
	return ReadDirectoryOptions{FileSystemID: fsID, DirPath: dirPath}, nil
}

// NewReadFileOptions does not range-check offset and length: a negative
// value is a request-level failure (ErrOutOfRange) reported through the
// callback, not a malformed option.
func NewReadFileOptions(fsID string, openID RequestID, offset, length int64) (ReadFileOptions, error) {
	if err := requireFileSystemID(fsID); err != nil {
		return ReadFileOptions{}, err
	}
	return ReadFileOptions{FileSystemID: fsID, OpenRequestID: openID, Offset: offset, Length: length}, nil
}

func NewUnmountOptions(fsID string) (UnmountOptions, error) {
	if err := requireFileSystemID(fsID); err != nil {
		return UnmountOptions{}, err
	}
	return UnmountOptions{FileSystemID: fsID}, nil
}
