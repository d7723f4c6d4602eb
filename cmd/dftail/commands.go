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

	"github.com/spf13/cobra"

	apiclient "github.com/splax/deployflow/pkg/api/client"
)

const requestTimeout = 15 * time.Second

// RootOptions holds global flags for all commands.
type RootOptions struct {
	API    string
	Format string // "json" | "text"
}

// NewRootCommand creates the dftail command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "dftail",
		Short:         "Create projects, trigger deployments and tail their logs",
		Version:       buildVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.API, "api", os.Getenv("DEPLOYFLOW_API"), "logstream API base URL (default http://localhost:9000)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newProjectCommand(opts))
	cmd.AddCommand(newDeployCommand(opts))
	cmd.AddCommand(newLogsCommand(opts))
	cmd.AddCommand(newFollowCommand(opts))
	return cmd
}

func (o *RootOptions) client() (*apiclient.Client, error) {
	return apiclient.New(o.API)
}

func (o *RootOptions) emit(w io.Writer, v any, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func newProjectCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var gitURL, domain string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(gitURL) == "" {
				return errors.New("--git is required")
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			project, err := client.CreateProject(ctx, apiclient.CreateProjectInput{Name: args[0], GitURL: gitURL, CustomDomain: domain})
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), project, func(w io.Writer) {
				fmt.Fprintf(w, "project created: %s (%s) subdomain=%s\n", project.ID, project.Name, project.SubDomain)
			})
		},
	}
	create.Flags().StringVar(&gitURL, "git", "", "git repository URL")
	create.Flags().StringVar(&domain, "domain", "", "custom domain (optional)")

	get := &cobra.Command{
		Use:   "get <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			project, err := client.GetProject(ctx, args[0])
			if err != nil {
				return err
			}
			return opts.emit(cmd.OutOrStdout(), project, func(w io.Writer) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", project.ID, project.Name, project.SubDomain, project.CustomDomain, project.GitURL)
			})
		},
	}

	cmd.AddCommand(create, get)
	return cmd
}

func newDeployCommand(opts *RootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "deploy <project-id>",
		Short: "Trigger a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			id, err := client.TriggerDeployment(ctx, args[0])
			cancel()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := opts.emit(out, map[string]string{"deploymentId": id}, func(w io.Writer) {
				fmt.Fprintf(w, "deployment queued: %s\n", id)
			}); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followLogs(cmd.Context(), client, opts, out, id)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "tail logs after triggering")
	return cmd
}

func newLogsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <deployment-id>",
		Short: "Print the stored log history of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			events, err := client.FetchLogs(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range events {
				if err := printEvent(out, opts, ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newFollowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "follow <deployment-id>",
		Short: "Stream history and live logs until the deployment goes live or Ctrl-C",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			return followLogs(cmd.Context(), client, opts, cmd.OutOrStdout(), args[0])
		},
	}
}

// liveMessage is the line the logstream appends once a deployment completes.
const liveMessage = "Your deployment is live 🎉"

var errLive = errors.New("deployment live")

// statusPollInterval paces the failure check while following. A failed
// deployment never emits liveMessage, so the stream alone cannot end it.
var statusPollInterval = 2 * time.Second

type deploymentFailedError struct {
	id     string
	reason string
}

func (e *deploymentFailedError) Error() string {
	if e.reason == "" {
		return fmt.Sprintf("deployment %s failed", e.id)
	}
	return fmt.Sprintf("deployment %s failed: %s", e.id, e.reason)
}

func followLogs(parent context.Context, client *apiclient.Client, opts *RootOptions, out io.Writer, deploymentID string) error {
	if parent == nil {
		parent = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)
	go watchFailure(ctx, cancel, client, deploymentID)

	err := client.Follow(ctx, deploymentID, func(ev apiclient.LogEvent) error {
		if err := printEvent(out, opts, ev); err != nil {
			return err
		}
		if ev.Log == liveMessage {
			return errLive
		}
		return nil
	})
	var failed *deploymentFailedError
	if cause := context.Cause(ctx); errors.As(cause, &failed) {
		return failed
	}
	switch {
	case errors.Is(err, errLive), errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

// watchFailure cancels ctx with a deploymentFailedError once the deployment
// is reported failed. Lookup errors are retried on the next tick.
func watchFailure(ctx context.Context, cancel context.CancelCauseFunc, client *apiclient.Client, deploymentID string) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reqCtx, done := context.WithTimeout(ctx, requestTimeout)
		deployment, err := client.GetDeployment(reqCtx, deploymentID)
		done()
		if err != nil {
			continue
		}
		if deployment.Status == "failed" {
			cancel(&deploymentFailedError{id: deploymentID, reason: deployment.Error})
			return
		}
	}
}

func printEvent(w io.Writer, opts *RootOptions, ev apiclient.LogEvent) error {
	return opts.emit(w, ev, func(w io.Writer) {
		fmt.Fprintf(w, "%s  %s\n", ev.Timestamp.Local().Format("15:04:05"), ev.Log)
	})
}
