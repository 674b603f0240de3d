package core

import "time"

// File is the JSON representation of a stored object. Content is encoded as
// base64 and only present in create and update responses.
type File struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content,omitempty"`
}

// FileInfo is one entry of the file listing.
type FileInfo struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	Checksum    string    `json:"checksum"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
}

// Msg is used for both error and plain status responses.
type Msg struct {
	Detail string `json:"detail"`
}

type RebuildFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type RebuildReport struct {
	Disk    int              `json:"disk"`
	Rebuilt []string         `json:"rebuilt"`
	Failed  []RebuildFailure `json:"failed"`
}

type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}
