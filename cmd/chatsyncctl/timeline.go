package main

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/api"
)

func init() {
	readCmd.Flags().Int("limit", 20, "messages per page")
	readCmd.Flags().String("before", "", "cursor returned by a previous page")
	rootCmd.AddCommand(composeCmd, readCmd, markReadCmd, retryCmd, typingCmd, conversationsCmd)
}

var composeCmd = &cobra.Command{
	Use:   "compose <conversation> <text...>",
	Short: "Queue a message for delivery",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := base64.StdEncoding.EncodeToString([]byte(strings.Join(args[1:], " ")))
		fields := map[string]any{"conversationId": args[0], "body": body}
		return call(api.TimelineServiceName, "Compose", fields, func(out *structpb.Struct) {
			fmt.Printf("queued %s\n", api.Str(out, "messageId"))
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation>",
	Short: "Print a page of the local timeline, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		before, _ := cmd.Flags().GetString("before")
		fields := map[string]any{"conversationId": args[0], "limit": limit, "before": before}
		return call(api.TimelineServiceName, "Read", fields, func(out *structpb.Struct) {
			for _, m := range api.List(out, "messages") {
				at := time.UnixMilli(api.Num(m, "createdAtLocalUnixMs")).Format(time.DateTime)
				seq := "-"
				if n := api.Seq(m, "seq"); n > 0 {
					seq = strconv.FormatInt(n, 10)
				}
				fmt.Printf("%s  #%-5s %-9s %-12s %s\n", at, seq, api.Str(m, "state"), api.Str(m, "senderId"), printable(api.Body(m, "body")))
			}
			if next := api.Str(out, "next"); next != "" {
				fmt.Printf("(more: --before %s)\n", next)
			}
		})
	},
}

var markReadCmd = &cobra.Command{
	Use:   "mark-read <conversation> <seq>",
	Short: "Mark messages up to seq as read",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseInt(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid seq %q: %w", args[1], err)
		}
		fields := map[string]any{"conversationId": args[0], "upToSeq": args[1]}
		return call(api.TimelineServiceName, "MarkRead", fields, func(out *structpb.Struct) {
			fmt.Printf("%d unread\n", api.Num(out, "unread"))
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Requeue a message that failed permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.TimelineServiceName, "Retry", map[string]any{"messageId": args[0]}, func(*structpb.Struct) {
			fmt.Println("requeued")
		})
	},
}

var typingCmd = &cobra.Command{
	Use:   "typing <conversation> <on|off>",
	Short: "Publish the local typing state",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var typing bool
		switch args[1] {
		case "on":
			typing = true
		case "off":
		default:
			return fmt.Errorf("typing state must be on or off, got %q", args[1])
		}
		fields := map[string]any{"conversationId": args[0], "typing": typing}
		return call(api.TimelineServiceName, "SetTyping", fields, func(*structpb.Struct) {})
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List known conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.TimelineServiceName, "Conversations", nil, func(out *structpb.Struct) {
			for _, c := range api.List(out, "conversations") {
				line := fmt.Sprintf("%-24s unread=%d", api.Str(c, "id"), api.Num(c, "unread"))
				if api.Str(c, "lastMessageId") != "" {
					at := time.UnixMilli(api.Num(c, "lastMessageAtUnixMs")).Format(time.DateTime)
					line += fmt.Sprintf("  %s  %s", at, printable(api.Body(c, "lastMessagePreview")))
				}
				fmt.Println(line)
			}
		})
	},
}

// printable shows text bodies as is and anything else by size.
func printable(body []byte) string {
	if !utf8.Valid(body) {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	return string(body)
}
