// Package objstore implements the ETL's blob storage over S3 and the local
// filesystem. Objects are written by key and read back by ref: s3://bucket/key
// or file:///abs/path.
package objstore

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// Schemes understood by ParseRef.
const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Ref is a parsed object reference.
type Ref struct {
	Scheme string
	// Bucket is empty for file refs.
	Bucket string
	// Key is the object key, or the absolute path for file refs.
	Key string
}

func (r Ref) String() string {
	if r.Scheme == SchemeFile {
		return "file://" + r.Key
	}
	return r.Scheme + "://" + r.Bucket + "/" + r.Key
}

// ParseRef splits an object reference.
func ParseRef(ref string) (Ref, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return Ref{}, eris.Wrapf(err, "objstore: parse ref %q", ref)
	}
	switch u.Scheme {
	case SchemeS3:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return Ref{}, eris.Errorf("objstore: ref %q needs a bucket and key", ref)
		}
		return Ref{Scheme: SchemeS3, Bucket: u.Host, Key: key}, nil
	case SchemeFile:
		if u.Path == "" {
			return Ref{}, eris.Errorf("objstore: ref %q has no path", ref)
		}
		return Ref{Scheme: SchemeFile, Key: u.Path}, nil
	default:
		return Ref{}, eris.Errorf("objstore: unsupported ref scheme in %q", ref)
	}
}
