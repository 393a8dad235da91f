package types

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"
)

// Blob represents the stored record for one reference. The same shape is
// used on the wire and on disk.
type Blob struct {
	Data    string `json:"data"`
	Version uint64 `json:"version"`
	Created int64  `json:"created"`
	Updated int64  `json:"updated,omitempty"`
	IP      string `json:"ip"`
}

// Key identifies one blob: the pair of tenant bucket and reference.
// It is the unit of locking and subscription fan-out.
type Key struct {
	Bucket string
	Ref    string
}

// String returns the key in "bucket/ref" form for logging.
func (k Key) String() string {
	return k.Bucket + "/" + k.Ref
}

const (
	// RefLength is the length of a reference in hex characters (32 bytes).
	RefLength = 64

	// RefNone is the marker a client sends to detach from its current
	// reference.
	RefNone = "none"

	// MaxDataLength bounds the base64 text form of blob data (1 MiB).
	MaxDataLength = 0x100000
)

var (
	ErrInvalidRef     = errors.New("invalid reference")
	ErrInvalidBucket  = errors.New("invalid bucket")
	ErrInvalidData    = errors.New("invalid data")
	ErrInvalidVersion = errors.New("invalid version")
)

// NormalizeRef validates a reference and returns its canonical lowercase
// form. Input may use any hex case.
func NormalizeRef(ref string) (string, error) {
	if len(ref) != RefLength {
		return "", ErrInvalidRef
	}
	ref = strings.ToLower(ref)
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ErrInvalidRef
		}
	}
	return ref, nil
}

// ValidateBucket rejects bucket names that are empty or unsafe as a
// filesystem path component. Tokens are minted from operator-supplied
// strings, so the name cannot be trusted to be path-safe.
func ValidateBucket(bucket string) error {
	if bucket == "" {
		return ErrInvalidBucket
	}
	if strings.ContainsAny(bucket, "/\\\x00") {
		return ErrInvalidBucket
	}
	if strings.Contains(bucket, "..") || bucket == "." {
		return ErrInvalidBucket
	}
	return nil
}

// ValidateData checks the base64 text form of blob data against the size
// bound and the encoding.
func ValidateData(data string) error {
	if len(data) > MaxDataLength {
		return ErrInvalidData
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return ErrInvalidData
	}
	return nil
}

// ValidateVersion checks a client-supplied version counter.
func ValidateVersion(version uint64) error {
	if version == 0 {
		return ErrInvalidVersion
	}
	return nil
}

// NowMillis returns the current wall-clock time in milliseconds since the
// epoch, the unit used by Blob.Created and Blob.Updated.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
