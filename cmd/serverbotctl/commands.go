package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devghori1264/aerophoenix/serverbot/internal/frontend"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/serverbot/internal/nats"
	"github.com/devghori1264/aerophoenix/serverbot/internal/notify"
)

func commands() []*cobra.Command {
	return []*cobra.Command{pingCmd(), interactCmd(), specCmd(), guildCmd(), watchCmd()}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var out map[string]string
			if err := newClient(serverURL, log).do(cmd.Context(), http.MethodGet, "/ping", nil, &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out["msg"])
			return nil
		},
	}
}

func interactCmd() *cobra.Command {
	var in frontend.Interaction
	var action string
	cmd := &cobra.Command{
		Use:   "interact ACTION SERVER",
		Short: "Send a chat interaction (create, start, stop, delete, status)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, in.ServerName = args[0], args[1]
			in.Action = models.Action(action)
			var ack frontend.Ack
			if err := newClient(serverURL, log).do(cmd.Context(), http.MethodPost, "/interactions", &in, &ack); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), &ack)
		},
	}
	cmd.Flags().StringVar(&in.GuildID, "guild", "", "guild id")
	cmd.Flags().StringVar(&in.RequesterID, "user", os.Getenv("USER"), "requesting user id")
	cmd.Flags().StringVar(&in.SpecName, "spec", "", "spec name (create only)")
	_ = cmd.MarkFlagRequired("guild")
	return cmd
}

func specCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "spec", Short: "Manage server specs"}
	cmd.AddCommand(putCmd("/admin/specs", func() any { return &models.Spec{} }))
	return cmd
}

func guildCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "guild", Short: "Manage guilds"}
	cmd.AddCommand(putCmd("/admin/guilds", func() any { return &models.Guild{} }))
	return cmd
}

// putCmd loads a YAML document into a fresh value from newValue,
// validates it locally and PUTs it to path.
func putCmd(path string, newValue func() any) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or replace from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadYAML(file, newValue())
			if err != nil {
				return err
			}
			out := newValue()
			if err := newClient(serverURL, log).do(cmd.Context(), http.MethodPut, path, v, out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadYAML(file string, v any) (any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}
	if err := validator.New().Struct(v); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", file, err)
	}
	return v, nil
}

func watchCmd() *cobra.Command {
	var guild, prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print lifecycle notifications as they are published",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			nc, err := natsclient.Connect(natsURL, "serverbotctl", log)
			if err != nil {
				return err
			}
			defer nc.Close()

			subject := prefix + ".>"
			if guild != "" {
				subject = prefix + "." + guild + ".*"
			}
			msgs := make(chan *nats.Msg, 64)
			sub, err := nc.ChanSubscribe(subject, msgs)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", subject, err)
			}
			defer sub.Unsubscribe()

			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case m := <-msgs:
					printNotification(cmd.OutOrStdout(), m.Data)
				}
			}
		},
	}
	cmd.Flags().StringVar(&guild, "guild", "", "only this guild")
	cmd.Flags().StringVar(&prefix, "prefix", "serverbot.notify", "notification subject prefix")
	return cmd
}

func printNotification(w io.Writer, data []byte) {
	var n notify.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		fmt.Fprintf(w, "malformed notification: %s\n", data)
		return
	}
	fmt.Fprintf(w, "[%s] %s\n", n.GuildID, n.Text())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
