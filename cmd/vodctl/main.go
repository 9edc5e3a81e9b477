// Command vodctl is an operator tool for inspecting per-asset key material,
// minting playback tokens and opening encrypted thumbnails. It reads the
// same flags and BITRIVER_VOD_* environment as the server.
//
// Usage:
//
//	vodctl [flags] keyid <asset-id>
//	vodctl [flags] token [-ip addr] [-ua agent] <asset-id> <subject>
//	vodctl [flags] verify [-ip addr] [-ua agent] <asset-id> <token>
//	vodctl [flags] decrypt-thumb [-o out.jpg] <asset-id> <thumbnail.enc>
//	vodctl [flags] migrate-registry
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"bitriver-vod/internal/auth"
	"bitriver-vod/internal/config"
	"bitriver-vod/internal/keys"
	"bitriver-vod/internal/models"
	"bitriver-vod/internal/observability/logging"
	"bitriver-vod/internal/storage"
	"bitriver-vod/internal/thumbcrypt"
)

var errUsage = errors.New("usage: vodctl [flags] keyid|token|verify|decrypt-thumb|migrate-registry ...")

type console struct {
	out  io.Writer
	ok   *color.Color
	warn *color.Color
	fail *color.Color
}

func newConsole(out io.Writer) *console {
	return &console{
		out:  out,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed),
	}
}

func (c *console) field(name, value string) {
	fmt.Fprintf(c.out, "%s %s\n", c.ok.Sprintf("%-12s", name+":"), value)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, config.LoadOptions{})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, opts config.LoadOptions) int {
	if opts.Output == nil {
		opts.Output = stderr
	}
	errs := newConsole(stderr)
	cfg, err := config.Load("vodctl", args, opts)
	if err != nil {
		errs.fail.Fprintln(stderr, err)
		return 2
	}
	if len(cfg.Secret) < config.MinSecretLength {
		errs.fail.Fprintf(stderr, "secret must be at least %d bytes\n", config.MinSecretLength)
		return 2
	}
	if len(cfg.Args) == 0 {
		errs.warn.Fprintln(stderr, errUsage)
		return 2
	}

	out := newConsole(stdout)
	cmd, rest := cfg.Args[0], cfg.Args[1:]
	switch cmd {
	case "keyid":
		err = runKeyID(cfg, rest, out)
	case "token":
		err = runToken(cfg, rest, out, stderr)
	case "verify":
		err = runVerify(cfg, rest, out, stderr)
	case "decrypt-thumb":
		err = runDecryptThumb(cfg, rest, out, stderr)
	case "migrate-registry":
		err = runMigrateRegistry(ctx, cfg, rest, out)
	default:
		err = fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
	if err != nil {
		errs.fail.Fprintln(stderr, err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func deriver(cfg *config.Config) (*keys.Deriver, error) {
	return keys.NewDeriver([]byte(cfg.Secret), keys.WithIterations(cfg.KeyIterations))
}

func tokenService(cfg *config.Config, stderr io.Writer) (*auth.TokenService, error) {
	return auth.NewTokenService(auth.TokenConfig{
		Secret:              []byte(cfg.Secret),
		Issuer:              cfg.TokenIssuer,
		Audience:            cfg.TokenAudience,
		TTL:                 cfg.TokenTTL,
		StrictClientBinding: true,
		Logger:              logging.New(logging.Config{Level: cfg.LogLevel, Format: string(logging.FormatConsole), Writer: stderr}),
	})
}

func assetArg(value string) (string, error) {
	if !models.ValidAssetID(value) {
		return "", fmt.Errorf("invalid asset id %q", value)
	}
	return value, nil
}

func runKeyID(cfg *config.Config, args []string, out *console) error {
	if len(args) != 1 {
		return fmt.Errorf("keyid <asset-id>: %w", errUsage)
	}
	assetID, err := assetArg(args[0])
	if err != nil {
		return err
	}
	d, err := deriver(cfg)
	if err != nil {
		return err
	}
	kid, err := d.KeyID(assetID)
	if err != nil {
		return err
	}
	out.field("asset", assetID)
	out.field("key_id", hex.EncodeToString(kid))
	out.field("key_id_b64", keys.EncodeBase64URL(kid))
	return nil
}

func clientFlags(name string, stderr io.Writer) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	ip := fs.String("ip", "", "client IP bound into the token")
	ua := fs.String("ua", "", "client user agent bound into the token")
	return fs, ip, ua
}

func runToken(cfg *config.Config, args []string, out *console, stderr io.Writer) error {
	fs, ip, ua := clientFlags("token", stderr)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("token <asset-id> <subject>: %w", errUsage)
	}
	assetID, err := assetArg(fs.Arg(0))
	if err != nil {
		return err
	}
	svc, err := tokenService(cfg, stderr)
	if err != nil {
		return err
	}
	token, expires, err := svc.Issue(auth.IssueParams{
		AssetID:         assetID,
		SubjectID:       fs.Arg(1),
		ClientIP:        *ip,
		ClientUserAgent: *ua,
	})
	if err != nil {
		return err
	}
	out.field("token", token)
	out.field("expires_at", expires.UTC().Format(time.RFC3339))
	out.field("manifest", fmt.Sprintf("/assets/%s/manifest.mpd?%s=%s", assetID, auth.TokenQueryParam, token))
	return nil
}

func runVerify(cfg *config.Config, args []string, out *console, stderr io.Writer) error {
	fs, ip, ua := clientFlags("verify", stderr)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("verify <asset-id> <token>: %w", errUsage)
	}
	assetID, err := assetArg(fs.Arg(0))
	if err != nil {
		return err
	}
	svc, err := tokenService(cfg, stderr)
	if err != nil {
		return err
	}
	claims, err := svc.Validate(fs.Arg(1), auth.ValidateParams{
		ExpectedAssetID: assetID,
		ClientIP:        *ip,
		ClientUserAgent: *ua,
	})
	if err != nil {
		return fmt.Errorf("token rejected: %w", err)
	}
	out.field("valid", out.ok.Sprint("yes"))
	out.field("subject", claims.Subject)
	out.field("asset", claims.AssetID)
	if claims.ExpiresAt != nil {
		out.field("expires_at", claims.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

func runDecryptThumb(cfg *config.Config, args []string, out *console, stderr io.Writer) error {
	fs := flag.NewFlagSet("decrypt-thumb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	output := fs.String("o", "", "write the decrypted image here instead of <input>.jpg")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("decrypt-thumb <asset-id> <file>: %w", errUsage)
	}
	assetID, err := assetArg(fs.Arg(0))
	if err != nil {
		return err
	}
	input := fs.Arg(1)
	buf, err := os.ReadFile(input)
	if err != nil {
		return err
	}
	d, err := deriver(cfg)
	if err != nil {
		return err
	}
	key, err := d.DeriveKey(assetID)
	if err != nil {
		return err
	}
	image, err := thumbcrypt.Decrypt(buf, key)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	dest := *output
	if dest == "" {
		dest = input + ".jpg"
	}
	if err := os.WriteFile(dest, image, 0o600); err != nil {
		return err
	}
	out.field("written", dest)
	out.field("bytes", fmt.Sprint(len(image)))
	return nil
}

// runMigrateRegistry copies every asset from the JSON registry into Postgres.
// Assets already present in Postgres are left untouched.
func runMigrateRegistry(ctx context.Context, cfg *config.Config, args []string, out *console) error {
	if len(args) != 0 {
		return fmt.Errorf("migrate-registry takes no arguments: %w", errUsage)
	}
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return errors.New("postgres DSN required: set -postgres-dsn, BITRIVER_VOD_POSTGRES_DSN or DATABASE_URL")
	}
	if _, err := os.Stat(cfg.RegistryPath); err != nil {
		return fmt.Errorf("JSON registry: %w", err)
	}
	source, err := storage.NewJSONRegistry(cfg.RegistryPath)
	if err != nil {
		return err
	}
	defer source.Close(ctx)
	assets, err := source.ListAssets(ctx, storage.ListFilter{})
	if err != nil {
		return fmt.Errorf("list JSON assets: %w", err)
	}

	target, err := storage.NewPostgresRegistry(ctx, cfg.PostgresDSN,
		storage.WithPostgresPoolLimits(int32(cfg.PostgresMaxConns), int32(cfg.PostgresMinConns)),
		storage.WithPostgresApplicationName("bitriver-vod-vodctl"),
	)
	if err != nil {
		return err
	}
	defer target.Close(context.Background())

	inserted, err := target.Import(ctx, assets)
	if err != nil {
		return err
	}
	out.field("source", cfg.RegistryPath)
	out.field("read", fmt.Sprint(len(assets)))
	out.field("inserted", fmt.Sprint(inserted))
	if skipped := len(assets) - inserted; skipped > 0 {
		out.field("skipped", out.warn.Sprint(skipped))
	}
	return nil
}
