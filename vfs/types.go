// Package vfs implements the host side of a provider-backed virtual file
// system: a registry of mounted filesystems and, per filesystem, a request
// dispatcher that forwards every operation to an external provider and
// routes the provider's asynchronous replies back to the caller.
package vfs

import (
	"fmt"
	"time"
)

// RequestID correlates a dispatched operation with its replies. IDs are
// unique within one mounted filesystem while the request is pending.
type RequestID uint32

// MountOptions describes a filesystem at mount time. It never changes
// afterwards.
type MountOptions struct {
	FileSystemID     string `json:"fileSystemId"`
	DisplayName      string `json:"displayName"`
	Writable         bool   `json:"writable"`
	OpenedFilesLimit uint32 `json:"openedFilesLimit"`
}

// Validate reports whether the options can be mounted.
func (o MountOptions) Validate() error {
	if o.FileSystemID == "" {
		return fmt.Errorf("%w: fileSystemId is required", ErrInvalidArgument)
	}
	if o.DisplayName == "" {
		return fmt.Errorf("%w: displayName is required", ErrInvalidArgument)
	}
	return nil
}

// EntryMetadata describes one file or directory as reported by a provider.
type EntryMetadata struct {
	Name             string    `json:"name"`
	IsDirectory      bool      `json:"isDirectory"`
	Size             uint64    `json:"size"`
	ModificationTime time.Time `json:"modificationTime"`
	MimeType         string    `json:"mimeType"`
}

// Equal compares two entries field by field.
func (m EntryMetadata) Equal(o EntryMetadata) bool {
	return m.Name == o.Name &&
		m.IsDirectory == o.IsDirectory &&
		m.Size == o.Size &&
		m.ModificationTime.Equal(o.ModificationTime) &&
		m.MimeType == o.MimeType
}

// OpenMode selects how a file is opened.
type OpenMode int

const (
	OpenRead OpenMode = iota
	OpenWrite
)

func (m OpenMode) String() string {
	switch m {
	case OpenRead:
		return "read"
	case OpenWrite:
		return "write"
	}
	return fmt.Sprintf("OpenMode(%d)", int(m))
}

func (m OpenMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *OpenMode) UnmarshalText(b []byte) error {
	v, err := ParseOpenMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseOpenMode is the inverse of OpenMode.String.
func ParseOpenMode(s string) (OpenMode, error) {
	switch s {
	case "read":
		return OpenRead, nil
	case "write":
		return OpenWrite, nil
	}
	return 0, fmt.Errorf("%w: unknown open mode %q", ErrInvalidArgument, s)
}

// OpenedFile is an entry of a filesystem's open-file table. It exists from
// a successful OpenFile until the matching successful CloseFile.
type OpenedFile struct {
	FilePath      string    `json:"filePath"`
	OpenRequestID RequestID `json:"openRequestId"`
	Mode          OpenMode  `json:"mode"`
}

// FileSystemInfo is a point-in-time snapshot of a mounted filesystem.
type FileSystemInfo struct {
	Options     MountOptions `json:"options"`
	OpenedFiles []OpenedFile `json:"openedFiles"`
}
