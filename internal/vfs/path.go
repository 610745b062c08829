package vfs

import "path"

// joinVpath joins a parent vpath ("/" or "/a/b") with a single path
// component, always producing a leading-slash vpath.
func joinVpath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// parentOf returns the parent vpath of vpath, or "" if vpath is the root.
func parentOf(vpath string) string {
	if vpath == "/" {
		return ""
	}
	p := path.Dir(vpath)
	return p
}

func baseName(vpath string) string {
	if vpath == "/" {
		return "/"
	}
	return path.Base(vpath)
}

func alignUp(v, block int64) int64 {
	if block == 0 || v%block == 0 {
		return v
	}
	return v + (block - v%block)
}

func alignDown(v, block int64) int64 {
	if block == 0 {
		return v
	}
	return v - v%block
}
