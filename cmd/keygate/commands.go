package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dukerupert/keygate/internal/auth"
	"github.com/dukerupert/keygate/internal/license"
	"github.com/dukerupert/keygate/internal/licensing"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/scheduler"
	"github.com/dukerupert/keygate/internal/store"
)

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Expire overdue licenses and send expiry reminders once (for cron)",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
				sched := scheduler.New(a.licenses, a.notifications, a.metrics, scheduler.Config{
					ReminderDays: a.cfg.License.ReminderDays,
					Retention:    a.cfg.License.NotificationRetention,
				}, a.logger)
				res, err := sched.RunOnce(ctx)
				fmt.Printf("expired %d, reminded %d, pruned %d\n", res.Expired, res.Reminded, res.Pruned)
				return err
			})
		},
	}
}

func productCommand() *cli.Command {
	return &cli.Command{
		Name:  "product",
		Usage: "Manage the product catalog",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List products",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						products, err := a.registry.ListProducts(ctx)
						if err != nil {
							return err
						}
						return printJSON(products)
					})
				},
			},
			{
				Name:  "create",
				Usage: "Register a product",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "slug", Usage: "defaults to the sanitized name"},
					&cli.StringFlag{Name: "version"},
					&cli.StringFlag{Name: "changelog"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						p, err := a.registry.CreateProduct(ctx, licensing.ProductInput{
							Slug:      cmd.String("slug"),
							Name:      cmd.String("name"),
							Version:   cmd.String("version"),
							Changelog: cmd.String("changelog"),
						})
						if err != nil {
							return err
						}
						return printJSON(p)
					})
				},
			},
			{
				Name:      "publish",
				Usage:     "Publish a new release, optionally uploading its package",
				ArgsUsage: "<slug>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "version", Required: true},
					&cli.StringFlag{Name: "changelog"},
					&cli.StringFlag{Name: "file", Usage: "package to upload to the artifact bucket"},
					&cli.StringFlag{Name: "artifact-ref", Usage: "existing object key, when not uploading"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					slug := cmd.Args().First()
					if slug == "" {
						return errors.New("product slug is required")
					}
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						p, err := a.registry.GetProductBySlug(ctx, slug)
						if err != nil {
							return err
						}
						ref := cmd.String("artifact-ref")
						if file := cmd.String("file"); file != "" {
							if ref, err = uploadPackage(ctx, a, p.Slug, file); err != nil {
								return err
							}
						}
						p, err = a.registry.PublishUpdate(ctx, p.ID, cmd.String("version"), cmd.String("changelog"), ref)
						if err != nil {
							return err
						}
						return printJSON(p)
					})
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a product without licenses",
				ArgsUsage: "<slug>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						p, err := a.registry.GetProductBySlug(ctx, cmd.Args().First())
						if err != nil {
							return err
						}
						ok, err := a.registry.DeleteProduct(ctx, p.ID)
						if err != nil {
							return err
						}
						if !ok {
							return fmt.Errorf("product %s still has licenses", p.Slug)
						}
						fmt.Printf("deleted %s\n", p.Slug)
						return nil
					})
				},
			},
		},
	}
}

func uploadPackage(ctx context.Context, a *app, slug, file string) (string, error) {
	if a.artifacts == nil {
		return "", errors.New("no artifact bucket configured")
	}
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open package: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat package: %w", err)
	}

	ref := path.Join(slug, filepath.Base(file))
	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/zip"
	}
	if err := a.artifacts.Put(ctx, ref, f, info.Size(), contentType); err != nil {
		return "", err
	}
	a.logger.Info("package uploaded", "ref", ref, "size", info.Size())
	return ref, nil
}

func licenseIDArg(cmd *cli.Command) (int64, error) {
	id, err := strconv.ParseInt(cmd.Args().First(), 10, 64)
	if err != nil {
		return 0, errors.New("license id is required")
	}
	return id, nil
}

func licenseCommand() *cli.Command {
	return &cli.Command{
		Name:  "license",
		Usage: "Manage licenses",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Issue a license",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "product", Required: true, Usage: "product slug"},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.IntFlag{Name: "max-activations"},
					&cli.IntFlag{Name: "days", Usage: "validity in days (default from config)"},
					&cli.BoolFlag{Name: "lifetime"},
					&cli.StringFlag{Name: "key", Usage: "explicit license key"},
					&cli.StringFlag{Name: "order"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						p, err := a.registry.GetProductBySlug(ctx, cmd.String("product"))
						if err != nil {
							return err
						}
						in := licensing.LicenseInput{
							ProductID:      p.ID,
							CustomerEmail:  cmd.String("email"),
							MaxActivations: cmd.Int("max-activations"),
							Lifetime:       cmd.Bool("lifetime"),
							Key:            cmd.String("key"),
							OrderRef:       cmd.String("order"),
						}
						if days := cmd.Int("days"); days > 0 {
							t := time.Now().UTC().AddDate(0, 0, days)
							in.ExpiresAt = &t
						}
						l, err := a.licenses.CreateLicense(ctx, in)
						if err != nil {
							return err
						}
						return printJSON(l)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List licenses",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status"},
					&cli.StringFlag{Name: "email"},
					&cli.StringFlag{Name: "order"},
					&cli.IntFlag{Name: "limit", Value: 100},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						licenses, err := a.licenses.ListLicenses(ctx, store.ListFilter{
							Status:        model.LicenseStatus(cmd.String("status")),
							CustomerEmail: cmd.String("email"),
							OrderRef:      cmd.String("order"),
							Limit:         cmd.Int("limit"),
						})
						if err != nil {
							return err
						}
						return printJSON(licenses)
					})
				},
			},
			{
				Name:      "disable",
				Usage:     "Revoke a license",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := licenseIDArg(cmd)
					if err != nil {
						return err
					}
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						l, err := a.licenses.Disable(ctx, id)
						if err != nil {
							return err
						}
						return printJSON(l)
					})
				},
			},
			{
				Name:      "renew",
				Usage:     "Extend a license",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "days", Value: 365},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id, err := licenseIDArg(cmd)
					if err != nil {
						return err
					}
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						l, err := a.licenses.Renew(ctx, id, cmd.Int("days"))
						if err != nil {
							return err
						}
						return printJSON(l)
					})
				},
			},
			{
				Name:  "reconcile",
				Usage: "Recount activation counters from the ledger",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						n, err := a.licenses.Reconcile(ctx)
						if err != nil {
							return err
						}
						fmt.Printf("reconciled %d licenses\n", n)
						return nil
					})
				},
			},
		},
	}
}

func adminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Admin API helpers",
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "Mint an admin bearer token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Required: true, Usage: "who the token is for"},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime (default from config)"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, _, err := loadConfig(cmd)
					if err != nil {
						return err
					}
					if cfg.Admin.JWTSecret == "" {
						return errors.New("admin.jwt_secret is not configured")
					}
					tokens, err := auth.NewTokens(cfg.Admin.JWTSecret)
					if err != nil {
						return err
					}
					ttl := cmd.Duration("ttl")
					if ttl <= 0 {
						ttl = cfg.Admin.TokenTTL
					}
					tok, err := tokens.Issue(cmd.String("subject"), ttl)
					if err != nil {
						return err
					}
					fmt.Println(tok)
					return nil
				},
			},
		},
	}
}

func backupCommand() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Encrypted database snapshots in the artifact bucket",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Take a snapshot now",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						obj, err := a.backups.Run(ctx)
						if err != nil {
							return err
						}
						fmt.Printf("uploaded %s (%d bytes)\n", obj.Key, obj.Size)
						return nil
					})
				},
			},
			{
				Name:  "list",
				Usage: "List snapshots, oldest first",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						objs, err := a.backups.List(ctx)
						if err != nil {
							return err
						}
						for _, o := range objs {
							fmt.Printf("%s\t%d\t%s\n", o.Key, o.Size, o.LastModified.Format(time.RFC3339))
						}
						return nil
					})
				},
			},
			{
				Name:      "restore",
				Usage:     "Download and decrypt a snapshot to a new database file",
				ArgsUsage: "<key>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "to", Required: true, Usage: "destination path; must not exist"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key := cmd.Args().First()
					if key == "" {
						return errors.New("snapshot key is required")
					}
					return withApp(ctx, cmd, func(ctx context.Context, a *app) error {
						if err := a.backups.Restore(ctx, key, cmd.String("to")); err != nil {
							return err
						}
						fmt.Printf("restored %s to %s\n", key, cmd.String("to"))
						return nil
					})
				},
			},
		},
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate a license against a running keygate server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080"},
			&cli.StringFlag{Name: "key", Required: true},
			&cli.StringFlag{Name: "product"},
			&cli.StringFlag{Name: "domain", Usage: "also activate this domain"},
			&cli.StringFlag{Name: "current-version", Usage: "also check for an update"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := license.NewClient(license.Config{
				BaseURL:     cmd.String("server"),
				Key:         cmd.String("key"),
				ProductSlug: cmd.String("product"),
				Domain:      cmd.String("domain"),
			})
			if err := c.Validate(ctx); err != nil {
				return err
			}
			out := map[string]any{"license": c.Status()}
			if cmd.String("domain") != "" {
				msg, err := c.Activate(ctx)
				if err != nil {
					return err
				}
				out["activation"] = msg
			}
			if v := cmd.String("current-version"); v != "" {
				info, err := c.CheckUpdate(ctx, v)
				if err != nil {
					return err
				}
				out["update"] = info
			}
			return printJSON(out)
		},
	}
}
