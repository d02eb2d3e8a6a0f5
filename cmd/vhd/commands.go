package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rpucella.net/vhd-sync/internal/catalog"
	"rpucella.net/vhd-sync/internal/errors"
	"rpucella.net/vhd-sync/internal/virtualfs"
	"rpucella.net/vhd-sync/internal/watch"
)

func maxLength(strings []string) int {
	current := 0
	for _, s := range strings {
		if len(s) > current {
			current = len(s)
		}
	}
	return current
}

// list prints the children of folder, folders first.
func list(folder *virtualfs.Folder) {
	for _, sub := range folder.Folders() {
		fmt.Printf("%s/\n", sub.Name())
	}
	files := folder.Files()
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name())
	}
	width := maxLength(names)
	for _, f := range files {
		fmt.Printf("%*s  %10s  %s\n", -width, f.Name(), humanize.Bytes(uint64(f.Size())), humanize.Time(f.Modified()))
	}
}

// root returns the root of the remote tree, or of the local one when local
// is set.
func (s *session) root(ctx context.Context, local bool) (*virtualfs.Folder, error) {
	if local {
		return s.orch.LocalRoot(ctx)
	}
	return s.orch.RemoteRoot(ctx)
}

// withSession opens the selected account and runs fn with it.
func withSession(g *globals, fn func(ctx context.Context, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := g.open(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, s, args)
	}
}

func newLsCommand(g *globals) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "ls [<folder>]",
		Short: "List content of folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			root, err := s.root(ctx, local)
			if err != nil {
				return err
			}
			p := "/"
			if len(args) > 0 {
				p = args[0]
			}
			folder, err := resolveFolder(ctx, root, p)
			if err != nil {
				return err
			}
			if err := folder.BuildTree(ctx, 0); err != nil {
				return err
			}
			list(folder)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&local, "local", "l", false, "list the local side")
	return cmd
}

func newTreeCommand(g *globals) *cobra.Command {
	var local bool
	var depth int
	cmd := &cobra.Command{
		Use:   "tree [<folder>]",
		Short: "Show the folder tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			root, err := s.root(ctx, local)
			if err != nil {
				return err
			}
			p := "/"
			if len(args) > 0 {
				p = args[0]
			}
			folder, err := resolveFolder(ctx, root, p)
			if err != nil {
				return err
			}
			if depth < 0 {
				depth = math.MaxInt32
			}
			if err := folder.BuildTree(ctx, depth); err != nil {
				// What was listed before the failure is still printed.
				log.WithError(err).Warn("Tree is incomplete")
			}
			virtualfs.Print(os.Stdout, folder)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&local, "local", "l", false, "show the local side")
	cmd.Flags().IntVarP(&depth, "depth", "d", -1, "levels to load below the folder, -1 for all")
	return cmd
}

func newInfoCommand(g *globals) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "info <file>",
		Short: "Show file information",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			root, err := s.root(ctx, local)
			if err != nil {
				return err
			}
			c, err := resolve(ctx, root, args[0])
			if err != nil {
				return err
			}
			file, ok := c.(*virtualfs.File)
			if !ok {
				return fmt.Errorf("not a file: %s", args[0])
			}
			file.Describe(os.Stdout)
			return nil
		}),
	}
	cmd.Flags().BoolVarP(&local, "local", "l", false, "look on the local side")
	return cmd
}

func newGetCommand(g *globals) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "get <remote> [<local-folder>]",
		Short: "Download a file or folder",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			remote, err := s.orch.RemoteRoot(ctx)
			if err != nil {
				return err
			}
			local, err := s.orch.LocalRoot(ctx)
			if err != nil {
				return err
			}
			dest := local
			if len(args) == 2 {
				if dest, err = resolveFolder(ctx, local, args[1]); err != nil {
					return err
				}
			}
			jobs, err := s.get(ctx, remote, args[0], dest, overwrite)
			if err != nil {
				return err
			}
			err = s.wait(ctx)
			summarise(jobs)
			return err
		}),
	}
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "replace existing files")
	return cmd
}

func newPutCommand(g *globals) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "put <local> [<remote-folder>]",
		Short: "Upload a local file or folder",
		Args:  cobra.RangeArgs(1, 2),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			remote, err := s.orch.RemoteRoot(ctx)
			if err != nil {
				return err
			}
			local, err := s.orch.LocalRoot(ctx)
			if err != nil {
				return err
			}
			dest := remote
			if len(args) == 2 {
				if dest, err = resolveFolder(ctx, remote, args[1]); err != nil {
					return err
				}
			}
			jobs, err := s.put(ctx, local, args[0], dest, overwrite)
			if err != nil {
				return err
			}
			err = s.wait(ctx)
			summarise(jobs)
			return err
		}),
	}
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "replace existing files")
	return cmd
}

func newMkdirCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <folder>",
		Short: "Create a remote folder",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			remote, err := s.orch.RemoteRoot(ctx)
			if err != nil {
				return err
			}
			dir, name := splitPath(args[0])
			parent, err := resolveFolder(ctx, remote, dir)
			if err != nil {
				return err
			}
			if err := parent.BuildTree(ctx, 0); err != nil {
				return err
			}
			_, err = s.orch.CreateRemoteFolder(ctx, parent, name)
			return err
		}),
	}
}

func newRmCommand(g *globals) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Delete a file or folder",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			root, err := s.root(ctx, local)
			if err != nil {
				return err
			}
			c, err := resolve(ctx, root, args[0])
			if err != nil {
				return err
			}
			if c.Parent() == nil {
				return fmt.Errorf("cannot delete the root")
			}
			return c.Delete(ctx)
		}),
	}
	cmd.Flags().BoolVarP(&local, "local", "l", false, "delete on the local side")
	return cmd
}

// relocate moves or copies src to target. A target naming an existing
// folder receives src under its own name; otherwise the last element of
// target is the new name.
func relocate(ctx context.Context, root *virtualfs.Folder, src, target string, overwrite, duplicate bool) error {
	c, err := resolve(ctx, root, src)
	if err != nil {
		return err
	}

	dest, err := resolveFolder(ctx, root, target)
	name := c.Name()
	if err != nil {
		var dir string
		dir, name = splitPath(target)
		if dest, err = resolveFolder(ctx, root, dir); err != nil {
			return err
		}
	}
	if err := dest.BuildTree(ctx, 0); err != nil {
		return err
	}

	if duplicate {
		if name != c.Name() {
			return fmt.Errorf("cp cannot rename, copy into a folder instead")
		}
		_, err := c.Copy(ctx, dest, overwrite)
		return err
	}
	if c.Parent() != dest {
		if err := c.Move(ctx, dest, overwrite); err != nil {
			return err
		}
	}
	if name != c.Name() {
		return c.Rename(ctx, name)
	}
	return nil
}

func newMvCommand(g *globals) *cobra.Command {
	var local, overwrite bool
	cmd := &cobra.Command{
		Use:   "mv <path> <target>",
		Short: "Move or rename a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			root, err := s.root(ctx, local)
			if err != nil {
				return err
			}
			return relocate(ctx, root, args[0], args[1], overwrite, false)
		}),
	}
	cmd.Flags().BoolVarP(&local, "local", "l", false, "move on the local side")
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "replace an existing target")
	return cmd
}

func newCpCommand(g *globals) *cobra.Command {
	var local, overwrite bool
	cmd := &cobra.Command{
		Use:   "cp <path> <folder>",
		Short: "Copy a file or folder within one side",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			root, err := s.root(ctx, local)
			if err != nil {
				return err
			}
			return relocate(ctx, root, args[0], args[1], overwrite, true)
		}),
	}
	cmd.Flags().BoolVarP(&local, "local", "l", false, "copy on the local side")
	cmd.Flags().BoolVarP(&overwrite, "overwrite", "f", false, "replace an existing target")
	return cmd
}

func printFreeSpace(label string, n int64, err error) {
	switch {
	case errors.Is(err, errors.ErrUnsupported):
		fmt.Printf("%-8s unknown (not reported by the store)\n", label)
	case err != nil:
		fmt.Printf("%-8s error: %s\n", label, err)
	default:
		fmt.Printf("%-8s %s free\n", label, humanize.Bytes(uint64(n)))
	}
}

func newDfCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "df",
		Short: "Show free space",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			n, err := s.orch.CalculateFreeSpace(ctx)
			printFreeSpace("remote", n, err)

			local, err := s.orch.LocalRoot(ctx)
			if err != nil {
				return err
			}
			if p, ok := local.Factory().Store().(interface {
				FreeSpace(context.Context) (int64, error)
			}); ok {
				n, err := p.FreeSpace(ctx)
				printFreeSpace("local", n, err)
			}
			return nil
		}),
	}
}

func newWatchCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow changes to the local folder until interrupted",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			root, err := s.orch.BuildLocalTree(ctx, math.MaxInt32)
			if err != nil {
				return err
			}
			w, err := watch.New(root, watch.DefaultDebounce)
			if err != nil {
				return err
			}
			w.OnRefresh = func(folder *virtualfs.Folder, err error) {
				if err == nil {
					fmt.Printf("%s: %d entries\n", folder.Path(), folder.Len())
				}
			}
			fmt.Printf("Watching %s\n", root.Path())
			return w.Run(ctx)
		}),
	}
}

func newAccountCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage configured accounts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := g.catalog()
			if err != nil {
				return err
			}
			accounts, err := cat.Accounts()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(accounts))
			for _, a := range accounts {
				names = append(names, a.Name)
			}
			sort.Strings(names)
			width := maxLength(names)
			for _, a := range accounts {
				fmt.Printf("%*s  %-5s  %s -> %s  %s\n", -width, a.Name, a.Type, a.Location, a.LocalRoot, a.Description)
			}
			return nil
		},
	}

	var a catalog.Account
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := g.catalog()
			if err != nil {
				return err
			}
			a.Name = args[0]
			_, err = cat.AddAccount(a)
			return err
		},
	}
	addCmd.Flags().StringVarP(&a.Type, "type", "t", catalog.TypeGCS, "gcs, s3 or local")
	addCmd.Flags().StringVar(&a.Location, "location", "", "bucket, or root folder for local accounts")
	addCmd.Flags().StringVar(&a.LocalRoot, "local-root", "", "local folder to mirror into")
	addCmd.Flags().StringVar(&a.Description, "description", "", "free text")
	addCmd.Flags().StringVar(&a.Endpoint, "endpoint", "", "S3 endpoint, for MinIO and the like")
	addCmd.Flags().StringVar(&a.Region, "region", "", "S3 region")
	addCmd.Flags().StringVar(&a.KeyFile, "key-file", "", "GCS service account key")

	removeCmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := g.catalog()
			if err != nil {
				return err
			}
			return cat.RemoveAccount(args[0])
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}
