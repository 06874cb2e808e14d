package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/bluesky-social/indigo/atproto/crypto"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/harrybrwn/plc/plc"
)

func main() {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func NewRootCmd() *cobra.Command {
	var (
		ctx         = newContext()
		logLevelStr = "warn"
		debug       bool
	)
	c := cobra.Command{
		Use:           "plc",
		Short:         "Create, update and inspect did:plc identities",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) (err error) {
			var lvl slog.Level
			if err = lvl.UnmarshalText([]byte(logLevelStr)); err != nil {
				return err
			}
			if debug {
				lvl = slog.LevelDebug
			}
			l := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: lvl,
			}))
			slog.SetDefault(l)
			ctx.logger = l
			return ctx.init(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.cleanup()
		},
	}
	c.AddCommand(
		newKeygenCmd(),
		newCreateCmd(ctx),
		newRotateSigningKeyCmd(ctx),
		newRotateRecoveryKeyCmd(ctx),
		newUpdateHandleCmd(ctx),
		newUpdatePdsCmd(ctx),
		newLogCmd(ctx),
		newDocCmd(ctx),
		newDataCmd(ctx),
		newVerifyCmd(ctx),
		newHealthCmd(ctx),
		newCacheCmd(ctx),
		newServerCmd(),
	)
	c.PersistentFlags().StringVar(&ctx.host, "host", ctx.host, "plc server url ($PLC_HOST)")
	c.PersistentFlags().StringVar(&ctx.policyName, "policy", ctx.policyName, "authorization policy (default|recovery)")
	c.PersistentFlags().BoolVar(&ctx.noCache, "no-cache", ctx.noCache, "disable the local log cache")
	c.PersistentFlags().BoolVar(&ctx.purge, "purge", ctx.purge, "purge the cached log before a lookup")
	c.PersistentFlags().StringVarP(&logLevelStr, "log-level", "l", logLevelStr, "set the log level (debug|info|warn|error)")
	c.PersistentFlags().BoolVarP(&debug, "debug", "d", debug, "turn on debug mode")
	return &c
}

func newKeygenCmd() *cobra.Command {
	var asJSON bool
	c := cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key pair",
		Args:  cobra.NoArgs,
		// no client needed
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GeneratePrivateKeyK256()
			if err != nil {
				return errors.WithStack(err)
			}
			pub, err := key.PublicKey()
			if err != nil {
				return errors.WithStack(err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return jsonIndent(out, map[string]string{
					"privateKey": hex.EncodeToString(key.Bytes()),
					"didKey":     pub.DIDKey(),
				})
			}
			fmt.Fprintf(out, "private key: %s\n", hex.EncodeToString(key.Bytes()))
			fmt.Fprintf(out, "did:key:     %s\n", pub.DIDKey())
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", asJSON, "print the key pair as json")
	return &c
}

func newCreateCmd(cx *Context) *cobra.Command {
	var (
		signingKey  string
		recoveryKey string
		handle      string
		pds         string
	)
	c := cobra.Command{
		Use:   "create",
		Short: "Register a new DID",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := loadKey(flagOrEnv(signingKey, "PLC_SIGNING_KEY"))
			if err != nil {
				return errors.Wrap(err, "signing key")
			}
			recovery, err := publicDIDKey(flagOrEnv(recoveryKey, "PLC_RECOVERY_KEY"))
			if err != nil {
				return errors.Wrap(err, "recovery key")
			}
			did, err := cx.client.CreateDID(cx.ctx, signer, recovery, handle, pds)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), did)
			return nil
		},
	}
	c.Flags().StringVarP(&signingKey, "key", "k", "", "hex private signing key or a file holding it ($PLC_SIGNING_KEY)")
	c.Flags().StringVarP(&recoveryKey, "recovery-key", "r", "", "recovery did:key or private key ($PLC_RECOVERY_KEY)")
	c.Flags().StringVar(&handle, "handle", "", "handle of the new identity")
	c.Flags().StringVar(&pds, "pds", "", "personal data server url")
	_ = c.MarkFlagRequired("handle")
	_ = c.MarkFlagRequired("pds")
	return &c
}

func newRotateSigningKeyCmd(cx *Context) *cobra.Command {
	return newUpdateCmd(cx, "rotate-signing-key <did> <key>", "Replace the signing key",
		func(v string) (plc.Operation, error) {
			key, err := publicDIDKey(v)
			if err != nil {
				return nil, err
			}
			return &plc.RotateSigningKeyOp{Key: key}, nil
		})
}

func newRotateRecoveryKeyCmd(cx *Context) *cobra.Command {
	return newUpdateCmd(cx, "rotate-recovery-key <did> <key>", "Replace the recovery key",
		func(v string) (plc.Operation, error) {
			key, err := publicDIDKey(v)
			if err != nil {
				return nil, err
			}
			return &plc.RotateRecoveryKeyOp{Key: key}, nil
		})
}

func newUpdateHandleCmd(cx *Context) *cobra.Command {
	return newUpdateCmd(cx, "update-handle <did> <handle>", "Change the handle",
		func(v string) (plc.Operation, error) {
			return &plc.UpdateHandleOp{Handle: v}, nil
		})
}

func newUpdatePdsCmd(cx *Context) *cobra.Command {
	return newUpdateCmd(cx, "update-pds <did> <url>", "Change the personal data server",
		func(v string) (plc.Operation, error) {
			return &plc.UpdateAtpPdsOp{Service: v}, nil
		})
}

// newUpdateCmd builds a command that resolves the tip of a DID and extends it
// with one operation, rebuilding the operation if another writer got there
// first.
func newUpdateCmd(cx *Context, use, short string, build func(string) (plc.Operation, error)) *cobra.Command {
	var (
		signingKey  string
		recoveryKey string
		useRecovery bool
	)
	c := cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			did, err := parseDID(args[0])
			if err != nil {
				return err
			}
			op, err := build(args[1])
			if err != nil {
				return err
			}
			keyValue := flagOrEnv(signingKey, "PLC_SIGNING_KEY")
			if useRecovery {
				keyValue = flagOrEnv(recoveryKey, "PLC_RECOVERY_KEY")
			}
			signer, err := loadKey(keyValue)
			if err != nil {
				return err
			}
			tip, err := cx.client.Apply(cx.ctx, did, op, signer, cx.retries)
			cx.forget(did)
			if err != nil {
				return err
			}
			return jsonIndent(cmd.OutOrStdout(), tip.Document)
		},
	}
	c.Flags().StringVarP(&signingKey, "key", "k", "", "hex private signing key or a file holding it ($PLC_SIGNING_KEY)")
	c.Flags().StringVarP(&recoveryKey, "recovery-key", "r", "", "hex private recovery key or a file holding it ($PLC_RECOVERY_KEY)")
	c.Flags().BoolVarP(&useRecovery, "use-recovery", "R", useRecovery, "sign with the recovery key")
	c.Flags().IntVar(&cx.retries, "retries", cx.retries, "attempts when the log moves underneath the update")
	return &c
}

func newLogCmd(cx *Context) *cobra.Command {
	var audit bool
	c := cobra.Command{
		Use:   "log <did>",
		Short: "Print the verified operation log of a DID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			did, err := parseDID(args[0])
			if err != nil {
				return err
			}
			log, err := cx.resolveLog(did)
			if err != nil {
				return err
			}
			if !audit {
				return jsonIndent(cmd.OutOrStdout(), log)
			}
			out := cmd.OutOrStdout()
			for i, op := range log {
				id, err := plc.CIDForOperation(op)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d\t%s\t%s\n", i, id, op.Kind())
			}
			return nil
		},
	}
	c.Flags().BoolVarP(&audit, "audit", "a", audit, "print one line per operation with its cid")
	return &c
}

func newDocCmd(cx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "doc <did>",
		Short: "Print the W3C DID document of a DID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			did, err := parseDID(args[0])
			if err != nil {
				return err
			}
			log, err := cx.resolveLog(did)
			if err != nil {
				return err
			}
			doc, err := plc.Reduce(log)
			if err != nil {
				return err
			}
			diddoc, err := plc.FormatDidDoc(doc)
			if err != nil {
				return err
			}
			return jsonIndent(cmd.OutOrStdout(), diddoc)
		},
	}
}

func newDataCmd(cx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "data <did>",
		Short: "Print the current document state of a DID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			did, err := parseDID(args[0])
			if err != nil {
				return err
			}
			log, err := cx.resolveLog(did)
			if err != nil {
				return err
			}
			doc, err := plc.Reduce(log)
			if err != nil {
				return err
			}
			return jsonIndent(cmd.OutOrStdout(), doc)
		},
	}
}

func newVerifyCmd(cx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <did>",
		Short: "Fetch and verify every link and signature of a DID's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			did, err := parseDID(args[0])
			if err != nil {
				return err
			}
			// always verify what the server has now
			tip, err := cx.client.ResolveTip(cx.ctx, did)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s operations=%d tip=%s\n", tip.DID, tip.Len, tip.CID)
			return nil
		},
	}
}

func newHealthCmd(cx *Context) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the plc server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cx.client.Health(cx.ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", cx.client.Host())
			return nil
		},
	}
}

func newCacheCmd(cx *Context) *cobra.Command {
	c := cobra.Command{
		Use:   "cache",
		Short: "Manage cached logs.",
	}
	c.AddCommand(
		&cobra.Command{
			Use: "clear", Aliases: []string{"purge"}, Short: "Completely purge the cache",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if cx.cache == nil {
					return errors.New("caching is disabled")
				}
				return cx.cache.Clear(cmd.Context())
			},
		},
		&cobra.Command{
			Use: "size", Short: "Print the number of cached logs",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if cx.cache == nil {
					return errors.New("caching is disabled")
				}
				n, err := cx.cache.Len(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			},
		},
	)
	return &c
}

func jsonIndent(w io.Writer, v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	blob = append(blob, '\n')
	_, err = w.Write(blob)
	return err
}
