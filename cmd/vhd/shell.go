package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	"rpucella.net/vhd-sync/internal/transfer"
	"rpucella.net/vhd-sync/internal/virtualfs"
)

type shell struct {
	ctx      context.Context
	commands map[string]command
	session  *session
	pwd      *virtualfs.Folder // remote working folder
	lpwd     *virtualfs.Folder // local working folder
	exit     bool              // Set to true to exit the main loop.
}

type command struct {
	minArgCount int
	maxArgCount int
	process     func([]string, *shell) error
	usage       string
	help        string
}

func newShellCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Browse the account interactively",
		Args:  cobra.NoArgs,
		RunE: withSession(g, func(ctx context.Context, s *session, args []string) error {
			remote, err := s.orch.BuildRemoteTree(ctx, 0)
			if err != nil {
				return err
			}
			local, err := s.orch.BuildLocalTree(ctx, 0)
			if err != nil {
				return err
			}
			sh := &shell{
				ctx:      ctx,
				commands: initializeCommands(),
				session:  s,
				pwd:      remote,
				lpwd:     local,
			}
			loop(sh, os.Stdin)
			return nil
		}),
	}
}

func initializeCommands() map[string]command {
	commands := make(map[string]command)
	commands["exit"] = command{0, 0, commandQuit, "exit", "Bail out"}
	commands["help"] = command{0, 0, commandHelp, "help", "List available commands"}
	commands["ls"] = command{0, 1, commandLs, "ls [<folder>]", "List content of remote folder"}
	commands["lls"] = command{0, 1, commandLocalLs, "lls [<folder>]", "List content of local folder"}
	commands["cd"] = command{0, 1, commandCd, "cd [<folder>]", "Change remote working folder"}
	commands["lcd"] = command{0, 1, commandLocalCd, "lcd [<folder>]", "Change local working folder"}
	commands["info"] = command{1, 1, commandInfo, "info <file>", "Show file information"}
	commands["tree"] = command{0, 1, commandTree, "tree [<folder>]", "Show remote tree at folder"}
	commands["get"] = command{1, 1, commandGet, "get <path>", "Download into the local working folder"}
	commands["put"] = command{1, 1, commandPut, "put <local-path>", "Upload into the remote working folder"}
	commands["mkdir"] = command{1, 1, commandMkdir, "mkdir <name>", "Create remote folder"}
	commands["rm"] = command{1, 1, commandRm, "rm <path>", "Delete remote file or folder"}
	commands["mv"] = command{2, 2, commandMv, "mv <path> <target>", "Move or rename remote file or folder"}
	commands["cp"] = command{2, 2, commandCp, "cp <path> <folder>", "Copy remote file or folder"}
	commands["df"] = command{0, 0, commandDf, "df", "Show remote free space"}
	commands["jobs"] = command{0, 0, commandJobs, "jobs", "Show running and queued transfers"}
	commands["cancel"] = command{1, 1, commandCancel, "cancel get|put", "Cancel the running download or upload"}
	return commands
}

func loop(sh *shell, in io.Reader) {
	fmt.Println("VIRTUAL HARD DRIVE")
	fmt.Println()

	reader := bufio.NewReader(in)

	for !sh.exit {
		fmt.Printf("%s:%s ", sh.session.account.Name, sh.pwd.Path())
		line, err := reader.ReadString('\n')
		if err == io.EOF && line == "" {
			return
		}
		fmt.Println()
		fields := split(line)
		if len(fields) == 0 {
			continue
		}
		comm := fields[0]
		args := fields[1:]
		if err := processCommand(sh, comm, args); err != nil {
			fmt.Printf("Error: %s\n\n", err)
		}
	}
}

func processCommand(sh *shell, comm string, args []string) error {
	commObj, ok := sh.commands[comm]
	if !ok {
		return fmt.Errorf("Unknown command: %s", comm)
	}
	if len(args) < commObj.minArgCount {
		return fmt.Errorf("Too few arguments (expected %d): %s", commObj.minArgCount, comm)
	}
	if commObj.maxArgCount >= 0 && len(args) > commObj.maxArgCount {
		return fmt.Errorf("Too many arguments (expected %d): %s", commObj.maxArgCount, comm)
	}
	return commObj.process(args, sh)
}

// Split a line into fields at spaces.
// Do not split within double quotes "...".
func split(s string) []string {
	result := []string{}
	sb := &strings.Builder{}
	quoted := false
	started := false
	for _, r := range s {
		if r == '"' {
			quoted = !quoted
			started = true
		} else if !quoted && unicode.IsSpace(r) {
			if started {
				result = append(result, sb.String())
				sb.Reset()
			}
			started = false
		} else {
			started = true
			sb.WriteRune(r)
		}
	}
	if started {
		result = append(result, sb.String())
	}
	return result
}

func commandHelp(args []string, sh *shell) error {
	keys := make([]string, 0, len(sh.commands))
	names := make([]string, 0, len(sh.commands))
	for k := range sh.commands {
		keys = append(keys, k)
		names = append(names, sh.commands[k].usage)
	}
	sort.Strings(keys)
	width := maxLength(names)
	for _, k := range keys {
		fmt.Printf("%*s   %s\n", -width, sh.commands[k].usage, sh.commands[k].help)
	}
	return nil
}

func commandQuit(args []string, sh *shell) error {
	sh.exit = true
	return nil
}

func folderArg(sh *shell, from *virtualfs.Folder, args []string) (*virtualfs.Folder, error) {
	if len(args) == 0 {
		return from, nil
	}
	return resolveFolder(sh.ctx, from, args[0])
}

func commandLs(args []string, sh *shell) error {
	folder, err := folderArg(sh, sh.pwd, args)
	if err != nil {
		return fmt.Errorf("ls: %w", err)
	}
	if err := folder.BuildTree(sh.ctx, 0); err != nil {
		return fmt.Errorf("ls: %w", err)
	}
	list(folder)
	return nil
}

func commandLocalLs(args []string, sh *shell) error {
	folder, err := folderArg(sh, sh.lpwd, args)
	if err != nil {
		return fmt.Errorf("lls: %w", err)
	}
	if err := folder.BuildTree(sh.ctx, 0); err != nil {
		return fmt.Errorf("lls: %w", err)
	}
	list(folder)
	return nil
}

func commandCd(args []string, sh *shell) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}
	newPwd, err := resolveFolder(sh.ctx, sh.pwd, path)
	if err != nil {
		return fmt.Errorf("cd: %w", err)
	}
	sh.pwd = newPwd
	return nil
}

func commandLocalCd(args []string, sh *shell) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}
	newPwd, err := resolveFolder(sh.ctx, sh.lpwd, path)
	if err != nil {
		return fmt.Errorf("lcd: %w", err)
	}
	sh.lpwd = newPwd
	return nil
}

func commandInfo(args []string, sh *shell) error {
	c, err := resolve(sh.ctx, sh.pwd, args[0])
	if err != nil {
		return fmt.Errorf("info: %w", err)
	}
	file, ok := c.(*virtualfs.File)
	if !ok {
		return fmt.Errorf("info: not a file: %s", args[0])
	}
	file.Describe(os.Stdout)
	return nil
}

func commandTree(args []string, sh *shell) error {
	folder, err := folderArg(sh, sh.pwd, args)
	if err != nil {
		return fmt.Errorf("tree: %w", err)
	}
	if err := folder.BuildTree(sh.ctx, math.MaxInt32); err != nil {
		fmt.Printf("Warning: %s\n", err)
	}
	virtualfs.Print(os.Stdout, folder)
	return nil
}

func commandGet(args []string, sh *shell) error {
	jobs, err := sh.session.get(sh.ctx, sh.pwd, args[0], sh.lpwd, false)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	fmt.Printf("%d download(s) queued\n", len(jobs))
	return nil
}

func commandPut(args []string, sh *shell) error {
	jobs, err := sh.session.put(sh.ctx, sh.lpwd, args[0], sh.pwd, false)
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	fmt.Printf("%d upload(s) queued\n", len(jobs))
	return nil
}

func commandMkdir(args []string, sh *shell) error {
	if _, err := sh.session.orch.CreateRemoteFolder(sh.ctx, sh.pwd, args[0]); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return nil
}

func commandRm(args []string, sh *shell) error {
	c, err := resolve(sh.ctx, sh.pwd, args[0])
	if err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	if folder, ok := c.(*virtualfs.Folder); ok && encloses(folder, sh.pwd) {
		return fmt.Errorf("rm: cannot delete the working folder or one of its parents")
	}
	if err := c.Delete(sh.ctx); err != nil {
		return fmt.Errorf("rm: %w", err)
	}
	return nil
}

// encloses reports whether folder is f or one of its parents.
func encloses(folder, f *virtualfs.Folder) bool {
	for curr := f; curr != nil; curr = curr.Parent() {
		if curr == folder {
			return true
		}
	}
	return false
}

func commandMv(args []string, sh *shell) error {
	if err := relocate(sh.ctx, sh.pwd, args[0], args[1], false, false); err != nil {
		return fmt.Errorf("mv: %w", err)
	}
	return nil
}

func commandCp(args []string, sh *shell) error {
	if err := relocate(sh.ctx, sh.pwd, args[0], args[1], false, true); err != nil {
		return fmt.Errorf("cp: %w", err)
	}
	return nil
}

func commandDf(args []string, sh *shell) error {
	n, err := sh.session.orch.CalculateFreeSpace(sh.ctx)
	printFreeSpace("remote", n, err)
	return nil
}

func printJob(j *transfer.Job) {
	fmt.Printf("%-8s %-40s %-11s %3.0f%%\n", j.Direction, j.LocalFile().Name(), j.State(), j.Progress()*100)
}

func commandJobs(args []string, sh *shell) error {
	orch := sh.session.orch
	for _, j := range []*transfer.Job{orch.CurrentDownload(), orch.CurrentUpload()} {
		if j != nil {
			printJob(j)
		}
	}
	for _, j := range append(orch.PendingDownloads(), orch.PendingUploads()...) {
		printJob(j)
	}
	return nil
}

func commandCancel(args []string, sh *shell) error {
	switch args[0] {
	case "get":
		return sh.session.orch.CancelDownload()
	case "put":
		return sh.session.orch.CancelUpload()
	}
	return fmt.Errorf("cancel: expected get or put, got %s", args[0])
}
