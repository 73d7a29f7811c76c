// Command sfs manages accounts and encrypted files.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/absfs/sfs"
	"github.com/absfs/sfs/internal/hostfs"
	"github.com/absfs/sfs/sfsd"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/syslab-wm/mu"
	"golang.org/x/term"
)

const usage = `Usage: sfs [options] COMMAND [ARGS]

Manage sfs accounts and encrypted files.

commands:
  adduser UID GID
    Create an account. Prompts for the new password and, unless UID is 0,
    for the root password.

  passwd
    Change the password of the current user.

  chmod +e|-e PATH
    Encrypt (+e) or decrypt (-e) a file. Only the owner or root may.

  cat PATH
    Write the plaintext of a file to stdout.

  is PATH
    Print whether a file is encrypted. Exits 0 when it is, 1 when not.

  size PATH
    Print the plaintext size of a file.

  dump
    Print the daemon's session table. Requires -daemon and root.

options:
  -config FILE
    YAML configuration file.

  -daemon URL
    Resolve keys through sfsd at URL (e.g. tcp://127.0.0.1:7711) instead of
    reading the key directory directly.

  -root DIR
    Directory the key directory and paths are resolved against. Default /.

  -uid UID, -gid GID
    Act as this user. Defaults to the caller's ids.

  -debug
    Log at debug level.

examples
  $ sfs adduser 1000 100
  $ sfs chmod +e notes.txt
  $ sfs -daemon tcp://127.0.0.1:7711 cat notes.txt
`

func printUsage() {
	fmt.Fprintf(os.Stderr, "%s", usage)
}

type options struct {
	configPath string
	daemon     string
	root       string
	uid        int
	gid        int
	debug      bool
}

func parseOptions() (*options, []string) {
	opts := options{}

	flag.Usage = printUsage
	flag.StringVar(&opts.configPath, "config", "", "")
	flag.StringVar(&opts.daemon, "daemon", "", "")
	flag.StringVar(&opts.root, "root", "/", "")
	flag.IntVar(&opts.uid, "uid", os.Getuid(), "")
	flag.IntVar(&opts.gid, "gid", os.Getgid(), "")
	flag.BoolVar(&opts.debug, "debug", false, "")
	flag.Parse()

	if flag.NArg() == 0 {
		printUsage()
		os.Exit(2)
	}
	if opts.uid < 0 || opts.gid < 0 {
		mu.Fatalf("no numeric user ids on this platform: pass -uid and -gid")
	}
	return &opts, flag.Args()
}

// app is the state shared by the commands.
type app struct {
	opts     *options
	config   *sfs.Config
	base     *hostfs.FS
	accounts *sfs.Accounts
	stdin    *bufio.Reader
}

func main() {
	opts, args := parseOptions()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if opts.debug {
		log.SetLevel(logrus.DebugLevel)
	}

	config := sfs.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if config, err = sfs.LoadConfig(opts.configPath); err != nil {
			mu.Fatalf("error: %v", err)
		}
	}
	config.Logger = log

	base, err := hostfs.New(opts.root)
	if err != nil {
		mu.Fatalf("error: %v", err)
	}
	accounts, err := sfs.NewAccounts(base, config)
	if err != nil {
		mu.Fatalf("error: %v", err)
	}

	a := &app{
		opts:     opts,
		config:   config,
		base:     base,
		accounts: accounts,
		stdin:    bufio.NewReader(os.Stdin),
	}

	cmd, args := args[0], args[1:]
	nargs := map[string]int{"adduser": 2, "passwd": 0, "chmod": 2, "cat": 1, "is": 1, "size": 1, "dump": 0}
	want, ok := nargs[cmd]
	if !ok {
		mu.Fatalf("unknown command %q", cmd)
	}
	if len(args) != want {
		mu.Fatalf("%s takes %d argument(s), got %d", cmd, want, len(args))
	}

	ctx := context.Background()
	switch cmd {
	case "adduser":
		a.addUser(args)
	case "passwd":
		a.passwd(ctx)
	case "chmod":
		a.chmod(ctx, args[0], args[1])
	case "cat":
		a.cat(ctx, args[0])
	case "is":
		a.is(ctx, args[0])
	case "size":
		a.size(ctx, args[0])
	case "dump":
		a.dump(ctx)
	}
}

// readPassword prompts on a terminal without echo, and otherwise reads one
// line from stdin.
func (a *app) readPassword(prompt string) string {
	if isatty.IsTerminal(os.Stdin.Fd()) {
		fmt.Fprint(os.Stderr, prompt)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			mu.Fatalf("error: cannot read password: %v", err)
		}
		return string(pw)
	}
	line, err := a.stdin.ReadString('\n')
	if err != nil && err != io.EOF {
		mu.Fatalf("error: cannot read password: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (a *app) addUser(args []string) {
	uid, err := strconv.Atoi(args[0])
	if err != nil {
		mu.Fatalf("bad uid %q", args[0])
	}
	gid, err := strconv.Atoi(args[1])
	if err != nil {
		mu.Fatalf("bad gid %q", args[1])
	}

	password := a.readPassword("New password: ")
	if again := a.readPassword("Retype new password: "); again != password {
		mu.Fatalf("passwords do not match")
	}
	var rootPassword string
	if uid != sfs.RootUID {
		rootPassword = a.readPassword("Root password: ")
	}
	if err := a.accounts.AddUser(uid, gid, password, rootPassword); err != nil {
		mu.Fatalf("error: %v", err)
	}
	fmt.Printf("added user %d (group %d)\n", uid, gid)
}

func (a *app) passwd(ctx context.Context) {
	old := a.readPassword("Current password: ")
	password := a.readPassword("New password: ")
	if again := a.readPassword("Retype new password: "); again != password {
		mu.Fatalf("passwords do not match")
	}

	if a.opts.daemon != "" {
		client := a.login(ctx, old)
		defer client.Logout(ctx)
		if err := client.ChangePassword(ctx, old, password); err != nil {
			mu.Fatalf("error: %v", err)
		}
	} else if err := a.accounts.ChangePassword(a.opts.uid, old, password); err != nil {
		mu.Fatalf("error: %v", err)
	}
	fmt.Println("password changed")
}

// login opens a daemon session for the current user.
func (a *app) login(ctx context.Context, password string) *sfsd.Client {
	conn, err := sfsd.Dial(a.opts.daemon, sfsd.Codec{Compress: a.config.Daemon.Compress}, a.config.Daemon.RecvTimeout)
	if err != nil {
		mu.Fatalf("error: %v", err)
	}
	client, err := sfsd.Login(ctx, conn, a.opts.uid, a.opts.gid, password)
	if err != nil {
		conn.Close()
		mu.Fatalf("error: %v", err)
	}
	return client
}

// filesystem returns the encrypting view of the base and a function that
// ends the session.
func (a *app) filesystem(ctx context.Context) (*sfs.FS, func()) {
	password := a.readPassword("Password: ")

	var backend sfs.Backend
	var done func()
	if a.opts.daemon != "" {
		client := a.login(ctx, password)
		backend = client
		done = func() { client.Logout(ctx) }
	} else {
		session, err := a.accounts.Login(a.opts.uid, a.opts.gid, password)
		if err != nil {
			mu.Fatalf("error: %v", err)
		}
		backend = session
		done = session.Close
	}

	fs, err := sfs.New(a.base, backend, a.config)
	if err != nil {
		done()
		mu.Fatalf("error: %v", err)
	}
	return fs, done
}

// path maps a command line path to an absolute path under the root.
func (a *app) path(name string) string {
	abs, err := filepath.Abs(name)
	if err != nil {
		mu.Fatalf("error: %v", err)
	}
	root, err := filepath.Abs(a.opts.root)
	if err != nil {
		mu.Fatalf("error: %v", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		mu.Fatalf("%s is outside %s", name, root)
	}
	return "/" + filepath.ToSlash(rel)
}

func (a *app) chmod(ctx context.Context, mode, name string) {
	encrypt, decrypt := mode == "+e", mode == "-e"
	if mu.BoolToInt(encrypt)+mu.BoolToInt(decrypt) != 1 {
		mu.Fatalf("mode must be +e or -e, got %q", mode)
	}

	fs, done := a.filesystem(ctx)
	defer done()
	if err := fs.SetEncrypted(ctx, a.path(name), encrypt); err != nil {
		done()
		mu.Fatalf("error: %v", err)
	}
}

func (a *app) cat(ctx context.Context, name string) {
	fs, done := a.filesystem(ctx)
	defer done()

	f, err := fs.Open(a.path(name))
	if err != nil {
		done()
		mu.Fatalf("error: %v", err)
	}
	defer f.Close()
	if _, err := io.Copy(os.Stdout, f); err != nil {
		done()
		mu.Fatalf("error: %v", err)
	}
}

func (a *app) is(ctx context.Context, name string) {
	fs, done := a.filesystem(ctx)
	encrypted, err := fs.IsEncrypted(a.path(name))
	done()
	if err != nil {
		mu.Fatalf("error: %v", err)
	}
	if encrypted {
		fmt.Printf("%s: encrypted\n", name)
	} else {
		fmt.Printf("%s: plain\n", name)
	}
	os.Exit(1 - mu.BoolToInt(encrypted))
}

func (a *app) size(ctx context.Context, name string) {
	fs, done := a.filesystem(ctx)
	defer done()

	info, err := fs.Stat(a.path(name))
	if err != nil {
		done()
		mu.Fatalf("error: %v", err)
	}
	fmt.Println(info.Size())
}

func (a *app) dump(ctx context.Context) {
	if a.opts.daemon == "" {
		mu.Fatalf("dump needs -daemon")
	}
	client := a.login(ctx, a.readPassword("Password: "))
	defer client.Logout(ctx)

	lines, err := client.Dump(ctx)
	if err != nil {
		client.Logout(ctx)
		mu.Fatalf("error: %v", err)
	}
	fmt.Println("uid:gid:open:since")
	for _, line := range lines {
		fmt.Println(line)
	}
}
