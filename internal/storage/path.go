package storage

import (
	"path"
	"strings"
)

// Object stores have no folders. A folder is the key prefix ending in "/",
// usually backed by an empty placeholder object with that exact key. The
// bucket root is the empty prefix.

// FolderKey turns a folder path like "/photos/2021" into its key prefix
// "photos/2021/". The root maps to "".
func FolderKey(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// ObjectKey turns a file path like "/photos/cat.jpg" into "photos/cat.jpg".
func ObjectKey(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

// KeyPath is the inverse of FolderKey and ObjectKey.
func KeyPath(key string) string {
	return "/" + strings.TrimSuffix(key, "/")
}

// KeyName returns the last element of a key, without the folder slash.
func KeyName(key string) string {
	trimmed := strings.TrimSuffix(key, "/")
	if trimmed == "" {
		return ""
	}
	return path.Base(trimmed)
}

// ChildKey builds the key of name inside the folder prefix parent.
func ChildKey(parent, name string, folder bool) string {
	key := parent + name
	if folder {
		key += "/"
	}
	return key
}

// IsFolderKey reports whether key denotes a folder prefix.
func IsFolderKey(key string) bool {
	return key == "" || strings.HasSuffix(key, "/")
}

func parentPath(p string) string {
	return path.Dir(path.Clean("/" + p))
}
