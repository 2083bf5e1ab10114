package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/devghori1264/aerophoenix/instanced/internal/jsoncodec"
	"github.com/devghori1264/aerophoenix/instanced/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/instanced/internal/nats"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetDefault("server", "http://localhost:8080")
	v.SetDefault("timeout", 90*time.Second)
	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("subject_prefix", "instances")
	v.SetEnvPrefix("INSTANCECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "instancectl",
		Short:         "Operate an instanced daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.String("server", "", "instanced HTTP address (env INSTANCECTL_SERVER)")
	pf.String("api-key", "", "API key (env INSTANCECTL_API_KEY)")
	pf.Duration("timeout", 0, "request timeout")
	_ = v.BindPFlag("server", pf.Lookup("server"))
	_ = v.BindPFlag("api_key", pf.Lookup("api-key"))
	_ = v.BindPFlag("timeout", pf.Lookup("timeout"))

	client := func() *apiClient {
		return newAPIClient(v.GetString("server"), v.GetString("api_key"), v.GetDuration("timeout"))
	}

	root.AddCommand(
		newCreateCmd(client),
		newGetCmd(client, "get", "Show an instance", ""),
		newGetCmd(client, "qr", "Show the pairing code of an instance", "qr"),
		newGetCmd(client, "status", "Show the connection status of an instance", "status"),
		newListCmd(client),
		newSendCmd(client),
		newSendMediaCmd(client),
		newDeleteCmd(client),
		newWatchCmd(v),
	)
	return root
}

func printJSON(w io.Writer, data []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = w.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func newCreateCmd(client func() *apiClient) *cobra.Command {
	var name, webhook string
	cmd := &cobra.Command{
		Use:   "create ID",
		Short: "Create and start an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"id": args[0], "name": name, "webhook": webhook}
			out, err := client().do(cmd.Context(), http.MethodPost, "/instance/create", body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVar(&webhook, "webhook", "", "URL receiving the instance's events")
	return cmd
}

func newGetCmd(client func() *apiClient, use, short, sub string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := instancePath(args[0])
			if sub != "" {
				path = instancePath(args[0], sub)
			}
			out, err := client().do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newListCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := client().do(cmd.Context(), http.MethodGet, "/instance/list", nil)
			if err != nil {
				return err
			}
			var resp struct {
				Instances []models.InstanceSummary `json:"instances"`
			}
			if err := jsoncodec.Unmarshal(out, &resp); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-24s %-14s %s\n", "ID", "STATUS", "NAME")
			for _, s := range resp.Instances {
				fmt.Fprintf(w, "%-24s %-14s %s\n", s.ID, s.Status, s.Name)
			}
			return nil
		},
	}
}

func addRecipientFlag(f *pflag.FlagSet, to *string) {
	f.StringVar(to, "to", "", "recipient, a phone number or a full address")
}

func newSendCmd(client func() *apiClient) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "send ID TEXT",
		Short: "Send a text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"to": to, "text": args[1]}
			out, err := client().do(cmd.Context(), http.MethodPost, instancePath(args[0], "send-message"), body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	addRecipientFlag(cmd.Flags(), &to)
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newSendMediaCmd(client func() *apiClient) *cobra.Command {
	var to, caption string
	cmd := &cobra.Command{
		Use:   "send-media ID URL",
		Short: "Send the resource at URL as media",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"to": to, "url": args[1], "caption": caption}
			out, err := client().do(cmd.Context(), http.MethodPost, instancePath(args[0], "send-media"), body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	addRecipientFlag(cmd.Flags(), &to)
	cmd.Flags().StringVar(&caption, "caption", "", "media caption")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newDeleteCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an instance and its stored data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client().do(cmd.Context(), http.MethodDelete, instancePath(args[0]), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [ID]",
		Short: "Tail instance events from the NATS event bus",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := v.GetString("subject_prefix")
			subject := natsclient.WildcardSubject(prefix)
			if len(args) == 1 {
				subject = natsclient.EventSubject(prefix, args[0])
			}

			nc, err := nats.Connect(v.GetString("nats_url"), nats.Name("instancectl"))
			if err != nil {
				return fmt.Errorf("nats connect: %w", err)
			}
			defer nc.Drain()

			w := cmd.OutOrStdout()
			sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
				fmt.Fprintln(w, formatDelivery(msg.Data))
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", subject)
			<-cmd.Context().Done()
			return nil
		},
	}
	f := cmd.Flags()
	f.String("nats-url", "", "NATS server URL (env INSTANCECTL_NATS_URL)")
	f.String("subject-prefix", "", "event subject prefix")
	_ = v.BindPFlag("nats_url", f.Lookup("nats-url"))
	_ = v.BindPFlag("subject_prefix", f.Lookup("subject-prefix"))
	return cmd
}

// formatDelivery renders one bus message as a single line.
func formatDelivery(data []byte) string {
	var d models.Delivery
	if err := jsoncodec.Unmarshal(data, &d); err != nil || d.InstanceID == "" {
		return string(data)
	}
	line := fmt.Sprintf("%s %-20s %-12s", d.Event.At.Format(time.RFC3339), d.InstanceID, d.Event.Type)
	switch d.Event.Type {
	case models.EventConnected:
		line += " " + string(d.Event.Info)
	case models.EventDisconnected:
		line += " reason=" + d.Event.Reason
	case models.EventMessage:
		line += " " + string(d.Event.Message)
	}
	return strings.TrimRight(line, " ")
}
