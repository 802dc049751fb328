// portcullis-token mints and inspects door tokens.
//
//	portcullis-token mint --subject 42 --type offpeak [--ttl 24h] [--qr card.png]
//	portcullis-token verify <token>
//	portcullis-token download --member 42 [--scope member] [--base-url URL]
//	portcullis-token daytickets --count 20 [--qr-dir ./tickets]
//	portcullis-token totp --member 42 [--qr secret.png]
//
// Secrets and the database path come from the same configuration as the
// server (PORTCULLIS_* variables, .env, --config).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/spf13/pflag"

	"github.com/portcullis/portcullis/internal/config"
	"github.com/portcullis/portcullis/internal/db"
	"github.com/portcullis/portcullis/internal/portcullis/service"
	"github.com/portcullis/portcullis/internal/portcullis/store/sqlite"
	"github.com/portcullis/portcullis/internal/portcullis/token"
)

// dayTicketTTL bounds how long a printed day ticket may wait before its
// first scan.
const dayTicketTTL = 48 * time.Hour

var errUsage = errors.New("usage: portcullis-token <mint|verify|download|daytickets|totp> [flags]")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cmds := map[string]func(context.Context, []string, io.Writer) error{
		"mint":       runMint,
		"verify":     runVerify,
		"download":   runDownload,
		"daytickets": runDayTickets,
		"totp":       runTOTP,
	}
	cmd, ok := cmds[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q\n%w", args[0], errUsage)
	}
	return cmd(ctx, args[1:], stdout)
}

// command holds the flags every subcommand shares.
type command struct {
	flags      *pflag.FlagSet
	configPath string
}

func newCommand(name string) *command {
	c := &command{flags: pflag.NewFlagSet("portcullis-token "+name, pflag.ContinueOnError)}
	c.flags.StringVarP(&c.configPath, "config", "c", "", "YAML config file (overrides PORTCULLIS_CONFIG)")
	return c
}

func (c *command) parse(args []string) (config.Config, error) {
	if err := c.flags.Parse(args); err != nil {
		return config.Config{}, err
	}
	return config.Load(c.configPath)
}

func accessCodec(cfg config.Config) (*token.Codec, error) {
	alg, err := token.ParseAlgorithm(cfg.TokenAlgorithm)
	if err != nil {
		return nil, err
	}
	return token.New(token.Config{
		Secret:     []byte(cfg.TokenSecret),
		NonceSize:  cfg.TokenNonceSize,
		DigestSize: cfg.TokenDigestSize,
		Algorithm:  alg,
	})
}

func writeQR(path, payload string, size int) error {
	png, err := token.RenderQR(payload, size)
	if err != nil {
		return err
	}
	return os.WriteFile(path, png, 0o644)
}

func runMint(_ context.Context, args []string, stdout io.Writer) error {
	c := newCommand("mint")
	subject := c.flags.Uint32("subject", 0, "member or ticket id")
	typeName := c.flags.String("type", "normal", "token type (normal, offpeak, dayticket, junior_hold, child_hold, other)")
	mediaName := c.flags.String("media", "print", "delivery media, e.g. print or digital|apple")
	ttl := c.flags.Duration("ttl", 0, "validity; zero means until the next season rollover")
	qrPath := c.flags.String("qr", "", "also write the token as a PNG QR code")
	qrSize := c.flags.Int("qr-size", 512, "QR image size in pixels")

	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if *subject == 0 {
		return errors.New("mint: --subject is required")
	}
	typ, err := token.ParseType(*typeName)
	if err != nil {
		return err
	}
	media, err := token.ParseMedia(*mediaName)
	if err != nil {
		return err
	}
	codec, err := accessCodec(cfg)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	expires := token.SeasonExpiry(time.Now(), loc)
	if *ttl > 0 {
		expires = time.Now().Add(*ttl)
	}
	tok, err := codec.GenerateUntil(*subject, typ, media, expires)
	if err != nil {
		return err
	}

	if *qrPath != "" {
		if err := writeQR(*qrPath, tok, *qrSize); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintln(stdout, tok)
	return err
}

func runVerify(_ context.Context, args []string, stdout io.Writer) error {
	c := newCommand("verify")
	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if c.flags.NArg() != 1 {
		return errors.New("verify: expected exactly one token")
	}
	codec, err := accessCodec(cfg)
	if err != nil {
		return err
	}

	claims, err := codec.Verify(c.flags.Arg(0))
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "subject:   %d\n", claims.SubjectID)
	fmt.Fprintf(stdout, "type:      %s\n", claims.Type)
	fmt.Fprintf(stdout, "media:     %s\n", claims.Media)
	fmt.Fprintf(stdout, "expires:   %s\n", claims.ExpiresAt.Format(time.RFC3339))
	fmt.Fprintf(stdout, "version:   %d\n", claims.Version)
	if claims.SecondaryCode != "" {
		fmt.Fprintf(stdout, "secondary: %s\n", claims.SecondaryCode)
	}
	return nil
}

func runDownload(_ context.Context, args []string, stdout io.Writer) error {
	c := newCommand("download")
	member := c.flags.Uint32("member", 0, "member id")
	scopeName := c.flags.String("scope", "member", "member or admin")
	ttl := c.flags.Duration("ttl", 0, "link validity (defaults to the configured download TTL)")
	baseURL := c.flags.String("base-url", "", "server URL to build a card link with (defaults to the configured server URL)")

	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if *member == 0 {
		return errors.New("download: --member is required")
	}

	var scope token.Scope
	switch strings.ToLower(*scopeName) {
	case "member":
		scope = token.ScopeMember
	case "admin":
		scope = token.ScopeAdmin
	default:
		return fmt.Errorf("download: unknown scope %q", *scopeName)
	}

	alg, err := token.ParseAlgorithm(cfg.TokenAlgorithm)
	if err != nil {
		return err
	}
	codec, err := token.NewScoped(token.Config{Secret: cfg.DownloadKey(), Algorithm: alg})
	if err != nil {
		return err
	}

	validity := *ttl
	if validity <= 0 {
		validity = cfg.DownloadTTL
	}
	tok, err := codec.Generate(*member, scope, validity)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, tok)
	if scope == token.ScopeMember {
		base := *baseURL
		if base == "" {
			base = cfg.ServerURL
		}
		fmt.Fprintf(stdout, "%s/v1/card/qr?token=%s\n", strings.TrimRight(base, "/"), url.QueryEscape(tok))
	}
	return nil
}

func runDayTickets(ctx context.Context, args []string, stdout io.Writer) error {
	c := newCommand("daytickets")
	count := c.flags.Int("count", 1, "number of tickets to issue")
	ttl := c.flags.Duration("ttl", dayTicketTTL, "how long an unused ticket stays scannable")
	qrDir := c.flags.String("qr-dir", "", "write one PNG QR code per ticket into this directory")
	qrSize := c.flags.Int("qr-size", 512, "QR image size in pixels")

	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if *count <= 0 {
		return errors.New("daytickets: --count must be positive")
	}
	codec, err := accessCodec(cfg)
	if err != nil {
		return err
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer conn.Close()
	writer := db.NewWorker(conn)
	defer writer.Close()

	batchID := uuid.NewString()
	tickets, err := sqlite.NewTicketStore(conn, writer).CreateDayTickets(ctx, batchID, *count)
	if err != nil {
		return err
	}

	if *qrDir != "" {
		if err := os.MkdirAll(*qrDir, 0o755); err != nil {
			return err
		}
	}

	fmt.Fprintf(stdout, "# batch %s\n", batchID)
	for _, t := range tickets {
		tok, err := codec.Generate(t.ID, token.TypeDayTicket, token.MediaPrint, *ttl)
		if err != nil {
			return err
		}
		if *qrDir != "" {
			if err := writeQR(filepath.Join(*qrDir, fmt.Sprintf("dayticket-%d.png", t.ID)), tok, *qrSize); err != nil {
				return err
			}
		}
		fmt.Fprintf(stdout, "%d\t%s\n", t.ID, tok)
	}
	return nil
}

func runTOTP(ctx context.Context, args []string, stdout io.Writer) error {
	c := newCommand("totp")
	member := c.flags.Uint32("member", 0, "member id")
	issuer := c.flags.String("issuer", "Portcullis", "issuer shown in authenticator apps")
	qrPath := c.flags.String("qr", "", "also write the otpauth URL as a PNG QR code")

	cfg, err := c.parse(args)
	if err != nil {
		return err
	}
	if *member == 0 {
		return errors.New("totp: --member is required")
	}

	opts := service.DefaultTOTPOptions()
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      *issuer,
		AccountName: fmt.Sprintf("member-%d", *member),
		Period:      opts.Period,
		Digits:      opts.Digits,
	})
	if err != nil {
		return fmt.Errorf("totp: %w", err)
	}

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer conn.Close()
	writer := db.NewWorker(conn)
	defer writer.Close()

	members := sqlite.NewMemberStore(conn, writer)
	if _, found, err := members.GetMember(ctx, *member); err != nil {
		return err
	} else if !found {
		return fmt.Errorf("totp: member %d does not exist", *member)
	}
	if err := members.AddTOTPSecret(ctx, *member, key.Secret()); err != nil {
		return err
	}

	if *qrPath != "" {
		if err := writeQR(*qrPath, key.URL(), 256); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "secret: %s\n", key.Secret())
	fmt.Fprintf(stdout, "url:    %s\n", key.URL())

	code, err := totp.GenerateCodeCustom(key.Secret(), time.Now(), totp.ValidateOpts{
		Period: opts.Period,
		Digits: opts.Digits,
	})
	if err == nil {
		fmt.Fprintf(stdout, "now:    %s\n", code)
	}
	return nil
}
