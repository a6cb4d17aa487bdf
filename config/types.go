package config

import "time"

type DaemonConfig struct {
	DebugMode      bool          `key:"debugMode"`
	ListenAddr     string        `key:"listenAddr"`
	MountRoot      string        `key:"mountRoot"`
	AttrTTL        time.Duration `key:"attrTTL"`
	StatePath      string        `key:"statePath"`
	RequestTimeout time.Duration `key:"requestTimeout"`
	Grants         []string      `key:"grants"`
	Demo           DemoConfig    `key:"demo"`
}

// DemoConfig controls the built-in in-memory file system.
type DemoConfig struct {
	Enabled      bool   `key:"enabled"`
	FileSystemID string `key:"fileSystemId"`
	DisplayName  string `key:"displayName"`
}

type ProviderConfig struct {
	DebugMode        bool            `key:"debugMode"`
	HostURL          string          `key:"hostURL"`
	Origin           string          `key:"origin"`
	FileSystemID     string          `key:"fileSystemId"`
	DisplayName      string          `key:"displayName"`
	Root             string          `key:"root"`
	OpenedFilesLimit uint32          `key:"openedFilesLimit"`
	PageSize         int             `key:"pageSize"`
	Reconnect        ReconnectConfig `key:"reconnect"`
}

type ReconnectConfig struct {
	// MaxElapsed bounds how long to keep retrying a lost host. Zero
	// retries forever.
	MaxElapsed time.Duration `key:"maxElapsed"`
}
