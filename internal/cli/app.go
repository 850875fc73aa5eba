package cli

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/mailkeeper/internal/config"
	"github.com/dmitrijs2005/mailkeeper/internal/cryptox"
	"github.com/dmitrijs2005/mailkeeper/internal/logging"
	"github.com/dmitrijs2005/mailkeeper/internal/session"
	"github.com/dmitrijs2005/mailkeeper/internal/storage"
)

const usage = `usage: mailkeeper <command> <username>

commands:
  init             initialize the key vault for a new account
  add-password     register an additional password
  remove-password  delete a password entry (-force to drop the last one)
  show             print public key and password entry digests
  mailboxes        log in and list mailboxes
  deposit          read a message from stdin and deposit it (no credentials)
  watch            log in and run the incoming watcher until interrupted
`

type App struct {
	config  *config.Config
	backend storage.Backend
	logger  logging.Logger
	reader  *bufio.Reader
	out     io.Writer
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	var backend storage.Backend
	if c.InMemory {
		backend = storage.NewMemBackend()
	} else {
		b, err := storage.NewObjectBackend(ctx, storage.S3Config{
			Region:       c.S3Region,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
			BaseEndpoint: c.S3BaseEndpoint,
		}, c.DatabaseDSN, c.BucketPrefix)
		if err != nil {
			return nil, fmt.Errorf("backend init error: %w", err)
		}
		backend = b
	}

	return &App{
		config:  c,
		backend: backend,
		logger:  logger,
		reader:  bufio.NewReader(os.Stdin),
		out:     os.Stdout,
	}, nil
}

func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("missing command or username")
	}
	command, username := args[0], args[1]
	force := len(args) > 2 && args[2] == "-force"

	switch command {
	case "init":
		return a.initVault(ctx, username)
	case "add-password":
		return a.addPassword(ctx, username)
	case "remove-password":
		return a.removePassword(ctx, username, force)
	case "show":
		return a.show(ctx, username)
	case "mailboxes":
		return a.mailboxes(ctx, username)
	case "deposit":
		return a.deposit(ctx, username)
	case "watch":
		return a.watch(ctx, username)
	default:
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *App) vault(username string) *cryptox.Vault {
	return cryptox.NewVault(a.backend.UserStore(username))
}

func (a *App) initVault(ctx context.Context, username string) error {
	userSecret, err := getPassword(a.reader, "User secret", a.out)
	if err != nil {
		return err
	}
	password, err := getPassword(a.reader, "Password", a.out)
	if err != nil {
		return err
	}

	keys, err := a.vault(username).Initialize(ctx, userSecret, password)
	if err != nil {
		return err
	}
	defer keys.Wipe()

	fmt.Fprintf(a.out, "vault initialized for %s\npublic key: %s\n",
		username, hex.EncodeToString(keys.Public))
	return nil
}

func (a *App) addPassword(ctx context.Context, username string) error {
	userSecret, err := getPassword(a.reader, "User secret", a.out)
	if err != nil {
		return err
	}
	password, err := getPassword(a.reader, "Existing password", a.out)
	if err != nil {
		return err
	}
	newPassword, err := getPassword(a.reader, "New password", a.out)
	if err != nil {
		return err
	}

	if err := a.vault(username).AddPassword(ctx, userSecret, password, newPassword); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "password added")
	return nil
}

func (a *App) removePassword(ctx context.Context, username string, force bool) error {
	password, err := getPassword(a.reader, "Password to remove", a.out)
	if err != nil {
		return err
	}

	if err := a.vault(username).RemovePassword(ctx, password, force); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "password removed")
	return nil
}

func (a *App) show(ctx context.Context, username string) error {
	v := a.vault(username)

	keys, err := v.PublicOnly(ctx)
	if err != nil {
		return err
	}
	entries, err := v.ListPasswordEntries(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "public key: %s\n", hex.EncodeToString(keys.Public))
	for _, e := range entries {
		fmt.Fprintf(a.out, "entry: %s\n", e)
	}
	return nil
}

func (a *App) mailboxes(ctx context.Context, username string) error {
	s, err := a.login(ctx, username)
	if err != nil {
		return err
	}
	defer s.Close()

	names, err := s.User.ListMailboxes(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(a.out, n)
	}
	return nil
}

func (a *App) deposit(ctx context.Context, username string) error {
	raw, err := io.ReadAll(a.reader)
	if err != nil {
		return err
	}

	p, err := session.LoginPublic(ctx, a.backend, username, a.logger)
	if err != nil {
		return err
	}
	id, err := p.Deposit(ctx, raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "deposited %s\n", id)
	return nil
}

func (a *App) watch(ctx context.Context, username string) error {
	s, err := a.login(ctx, username)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintln(a.out, "watching for incoming mail, interrupt to stop")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case <-sigs:
	case <-ctx.Done():
	}
	return nil
}

func (a *App) login(ctx context.Context, username string) (*session.Session, error) {
	userSecret, err := getPassword(a.reader, "User secret", a.out)
	if err != nil {
		return nil, err
	}
	password, err := getPassword(a.reader, "Password", a.out)
	if err != nil {
		return nil, err
	}
	return session.Login(ctx, a.backend, username, userSecret, password, a.logger)
}
