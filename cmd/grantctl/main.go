// Command grantctl issues and inspects organization-creation credentials
// directly against the database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"orgpass.org/internal/auth"
	"orgpass.org/internal/config"
	"orgpass.org/internal/credential"
	"orgpass.org/internal/fieldcodec"
	"orgpass.org/internal/identity"
	"orgpass.org/internal/store/pg"
)

const usage = `usage: grantctl <command> [flags]

commands:
  issue            issue one credential
  batch            issue several credentials at once
  deactivate       deactivate an unredeemed credential
  stats            print credential counts
  bootstrap-admin  create the first administrator identity
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "grantctl:", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

type command func(ctx context.Context, args []string, out io.Writer) error

var commands = map[string]command{
	"issue":           cmdIssue,
	"batch":           cmdBatch,
	"deactivate":      cmdDeactivate,
	"stats":           cmdStats,
	"bootstrap-admin": cmdBootstrapAdmin,
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	return cmd(ctx, args[1:], out)
}

type common struct {
	dsn string
}

func newFlags(name string, c *common) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&c.dsn, "dsn", os.Getenv("ORGPASS_PG_DSN"), "PostgreSQL DSN")
	return fs
}

func (c common) open() (*pg.Store, error) {
	if c.dsn == "" {
		return nil, errors.New("missing DSN: provide via --dsn or ORGPASS_PG_DSN")
	}
	return pg.Open(c.dsn)
}

type issueFlags struct {
	common
	expires     string
	ttl         time.Duration
	description string
	issuedBy    string
}

func (f *issueFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.expires, "expires", "", "expiry instant (RFC 3339)")
	fs.DurationVar(&f.ttl, "ttl", 30*24*time.Hour, "validity from now when --expires is not set")
	fs.StringVar(&f.description, "description", "", "free-form label")
	fs.StringVar(&f.issuedBy, "issued-by", "", "identity id recorded as issuer (required)")
}

func (f issueFlags) expiry(now time.Time) (time.Time, error) {
	if f.expires == "" {
		if f.ttl <= 0 {
			return time.Time{}, fmt.Errorf("%w: --ttl must be positive", errUsage)
		}
		return now.Add(f.ttl), nil
	}
	t, err := time.Parse(time.RFC3339, f.expires)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: --expires: %v", errUsage, err)
	}
	return t, nil
}

func credentialService(st credential.Store) (*credential.Service, error) {
	return credential.NewService(st)
}

func cmdIssue(ctx context.Context, args []string, out io.Writer) error {
	var f issueFlags
	fs := newFlags("issue", &f.common)
	f.bind(fs)
	code := fs.String("code", "", "use this code instead of generating one")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	exp, err := f.expiry(time.Now())
	if err != nil {
		return err
	}
	st, err := f.open()
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := credentialService(st)
	if err != nil {
		return err
	}
	c, err := svc.Issue(ctx, credential.IssueInput{
		ExpiresAt:   exp,
		Description: f.description,
		IssuedBy:    f.issuedBy,
		Code:        strings.ToUpper(*code),
	})
	if err != nil {
		return err
	}
	return printJSON(out, credentialJSON(c))
}

func cmdBatch(ctx context.Context, args []string, out io.Writer) error {
	var f issueFlags
	fs := newFlags("batch", &f.common)
	f.bind(fs)
	count := fs.IntP("count", "n", 10, "number of credentials")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	exp, err := f.expiry(time.Now())
	if err != nil {
		return err
	}
	st, err := f.open()
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := credentialService(st)
	if err != nil {
		return err
	}
	cs, err := svc.IssueBatch(ctx, credential.BatchInput{
		Count:       *count,
		ExpiresAt:   exp,
		Description: f.description,
		IssuedBy:    f.issuedBy,
	})
	if err != nil {
		return err
	}
	items := make([]map[string]any, 0, len(cs))
	for _, c := range cs {
		items = append(items, credentialJSON(c))
	}
	return printJSON(out, map[string]any{"items": items})
}

func cmdDeactivate(ctx context.Context, args []string, out io.Writer) error {
	var c common
	fs := newFlags("deactivate", &c)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: deactivate takes one credential id", errUsage)
	}
	st, err := c.open()
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := credentialService(st)
	if err != nil {
		return err
	}
	cred, err := svc.Deactivate(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(out, credentialJSON(cred))
}

func cmdStats(ctx context.Context, args []string, out io.Writer) error {
	var c common
	fs := newFlags("stats", &c)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	st, err := c.open()
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := credentialService(st)
	if err != nil {
		return err
	}
	s, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, s)
}

func cmdBootstrapAdmin(ctx context.Context, args []string, out io.Writer) error {
	var c common
	fs := newFlags("bootstrap-admin", &c)
	email := fs.String("email", "", "administrator email (required)")
	keys := fs.String("field-keys", os.Getenv("ORGPASS_FIELD_KEYS"), "field encryption keys, version:base64 pairs")
	active := fs.Uint8("field-key-active", 1, "active field key version")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	password := os.Getenv("ORGPASS_ADMIN_PASSWORD")
	if *email == "" || password == "" {
		return fmt.Errorf("%w: --email and ORGPASS_ADMIN_PASSWORD are required", errUsage)
	}
	var fk config.FieldKeys
	if err := fk.UnmarshalText([]byte(*keys)); err != nil {
		return fmt.Errorf("field keys: %w", err)
	}
	codec, err := fieldcodec.New(fieldcodec.Config{Keys: fk, ActiveVersion: *active})
	if err != nil {
		return err
	}
	st, err := c.open()
	if err != nil {
		return err
	}
	defer st.Close()
	svc, err := identity.NewService(st, codec, auth.BcryptHasher{})
	if err != nil {
		return err
	}
	id, err := svc.Register(ctx, identity.RegisterInput{
		Email:       *email,
		Password:    password,
		AccountType: identity.AccountAdmin,
	})
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{"id": id.ID, "email": id.Email, "account_type": id.AccountType})
}

func credentialJSON(c credential.Credential) map[string]any {
	m := map[string]any{
		"id":         c.ID,
		"code":       c.Code,
		"expires_at": c.ExpiresAt.UTC().Format(time.RFC3339),
		"active":     c.Active,
		"issued_by":  c.IssuedBy,
	}
	if c.Description != "" {
		m["description"] = c.Description
	}
	if c.Redemption != nil {
		m["redeemed_by"] = c.Redemption.IdentityID
	}
	return m
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
