package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
)

func init() {
	pushCmd.Flags().StringToString("data", nil, "push data fields, e.g. --data senderId=u2,title=hi")
	watchCmd.Flags().String("prefix", "", "event kind prefix, e.g. message.")
	watchCmd.Flags().String("conversation", "", "only events of this conversation")
	rootCmd.AddCommand(statusCmd, openCmd, pullCmd, pushCmd, loginCmd, deviceCmd, availabilityCmd, watchCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and engine status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := profile.Resolve(profileFlag)
		if _, err := os.Stat(profile.SocketPath(name)); err != nil {
			if h, ierr := lock.Inspect(profile.Dir(name)); ierr == nil && h.PID != 0 {
				return fmt.Errorf("profile %q is locked by pid %d but its socket is missing", name, h.PID)
			}
			return fmt.Errorf("no daemon running for profile %q", name)
		}
		return call(api.SyncServiceName, "Status", nil, func(out *structpb.Struct) {
			fmt.Printf("profile: %s\n", api.Str(out, "profile"))
			fmt.Printf("uptime:  %s\n", (time.Duration(api.Num(out, "uptimeMs")) * time.Millisecond).Round(time.Second))
			fmt.Printf("present: %t\n", out.GetFields()["available"].GetBoolValue())
			for _, e := range api.List(out, "engines") {
				open := ""
				if e.GetFields()["open"].GetBoolValue() {
					open = " (open)"
				}
				fmt.Printf("  %-24s %-19s link=%s%s\n", api.Str(e, "conversationId"), api.Str(e, "state"), api.Str(e, "link"), open)
			}
		})
	},
}

// openCmd keeps the conversation open for as long as it runs.
var openCmd = &cobra.Command{
	Use:   "open <conversation> [participants...]",
	Short: "Open a conversation until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
		err = c.Open(ctx, args[0], args[1:])
		cancel()
		if err != nil {
			return err
		}
		fmt.Printf("%s open, ctrl-c to close\n", args[0])

		sig, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		<-sig.Done()

		ctx, cancel = context.WithTimeout(context.Background(), timeoutFlag)
		defer cancel()
		_, err = c.Call(ctx, api.SyncServiceName, "Close", map[string]any{"conversationId": args[0]})
		return err
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <conversation>",
	Short: "Catch up a conversation from its persisted cursor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.SyncServiceName, "Pull", map[string]any{"conversationId": args[0]}, func(*structpb.Struct) {
			fmt.Println("up to date")
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Deliver a push wake-up as if it came from the platform",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetStringToString("data")
		if len(data) == 0 {
			return errors.New("--data is required")
		}
		fields := make(map[string]any, len(data))
		for k, v := range data {
			fields[k] = v
		}
		return call(api.SyncServiceName, "PushReceived", map[string]any{"data": fields}, func(out *structpb.Struct) {
			fmt.Printf("woke %s\n", api.Str(out, "conversationId"))
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <access-token>",
	Short: "Hand an access token to the daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.SyncServiceName, "SetCredentials", map[string]any{"accessToken": strings.TrimSpace(args[0])}, func(*structpb.Struct) {
			fmt.Println("credentials updated")
		})
	},
}

var deviceCmd = &cobra.Command{
	Use:   "register-device <push-token>",
	Short: "Store and register this device's push token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.SyncServiceName, "RegisterDevice", map[string]any{"token": args[0]}, func(*structpb.Struct) {
			fmt.Println("device registered")
		})
	},
}

var availabilityCmd = &cobra.Command{
	Use:   "availability <on|off>",
	Short: "Publish whether the local user is present",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var available bool
		switch args[0] {
		case "on":
			available = true
		case "off":
		default:
			return fmt.Errorf("availability must be on or off, got %q", args[0])
		}
		return call(api.SyncServiceName, "SetAvailability", map[string]any{"available": available}, func(*structpb.Struct) {})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream core events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		conv, _ := cmd.Flags().GetString("conversation")
		c, _, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err = c.Watch(ctx, prefix, conv, func(evt *structpb.Struct) error {
			if jsonFlag {
				return printJSON(evt)
			}
			at := time.UnixMilli(api.Num(evt, "occurredAtUnixMs")).Format(time.TimeOnly)
			fmt.Printf("%s %-22s %s\n", at, api.Str(evt, "kind"), api.Str(evt, "conversationId"))
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}
