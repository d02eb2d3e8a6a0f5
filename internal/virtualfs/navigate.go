package virtualfs

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// FindRoot walks parent links up to the top of the tree.
func FindRoot(c Container) *Folder {
	var top *Folder
	if d, ok := c.(*Folder); ok {
		top = d
	}
	for curr := c.Parent(); curr != nil; curr = curr.Parent() {
		top = curr
	}
	return top
}

// DecomposePath splits a "/" separated path into its elements.
func DecomposePath(path string) []string {
	return strings.Split(strings.TrimSuffix(path, "/"), "/")
}

// child returns the direct child named name. Names compare exactly first,
// then ignoring case.
func child(d *Folder, name string) Container {
	matches := d.SearchByName(name, false, false)
	for _, c := range matches {
		if c.Name() == name {
			return c
		}
	}
	if len(matches) > 0 {
		return matches[0]
	}
	return nil
}

func step(curr *Folder, dir string) (*Folder, error) {
	switch dir {
	case "":
		// Reset to root!
		return FindRoot(curr), nil
	case ".":
		return curr, nil
	case "..":
		if curr.Parent() == nil {
			return nil, fmt.Errorf("root has no parent")
		}
		return curr.Parent(), nil
	}
	next := child(curr, dir)
	if next == nil {
		return nil, fmt.Errorf("cannot find folder: %s", dir)
	}
	folder, ok := next.(*Folder)
	if !ok {
		return nil, fmt.Errorf("not a folder: %s", dir)
	}
	return folder, nil
}

// Navigate resolves a folder path against the in-memory tree, starting at
// from. Absolute paths start at the root; "." and ".." are understood.
// Nothing is fetched from the store.
func Navigate(from *Folder, path string) (*Folder, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path to navigate")
	}
	if path == "/" {
		return FindRoot(from), nil
	}
	curr := from
	for i, dir := range DecomposePath(path) {
		if dir == "" && i > 0 {
			continue
		}
		next, err := step(curr, dir)
		if err != nil {
			return nil, err
		}
		curr = next
	}
	return curr, nil
}

// NavigateFile resolves a file path the way Navigate resolves folders.
func NavigateFile(from *Folder, path string) (*File, error) {
	dirs := DecomposePath(path)
	name := dirs[len(dirs)-1]
	curr := from
	if len(dirs) > 1 {
		var err error
		if curr, err = Navigate(from, strings.Join(dirs[:len(dirs)-1], "/")+"/"); err != nil {
			return nil, err
		}
	}
	found := child(curr, name)
	if found == nil {
		return nil, fmt.Errorf("cannot find file: %s", name)
	}
	file, ok := found.(*File)
	if !ok {
		return nil, fmt.Errorf("not a file: %s", name)
	}
	return file, nil
}

func spaces(n int) string {
	return strings.Repeat(" ", n)
}

func printLevel(w io.Writer, curr Container, indent int) {
	switch c := curr.(type) {
	case *File:
		fmt.Fprintf(w, "%s%s  %s\n", spaces(indent), c.Name(), humanize.Bytes(uint64(c.Size())))
	case *Folder:
		fmt.Fprintf(w, "%s%s/\n", spaces(indent), c.Name())
		for _, sub := range c.Children() {
			printLevel(w, sub, indent+2)
		}
	}
}

// Print writes the in-memory tree below c, one entry per line.
func Print(w io.Writer, c Container) {
	printLevel(w, c, 0)
}
