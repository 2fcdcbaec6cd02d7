package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/client"
)

var commands = []command{
	{name: "status", help: "Show session status", run: cmdStatus},
	{name: "online", help: "Mark connectivity online", run: cmdSetOnline(true)},
	{name: "offline", help: "Mark connectivity offline", run: cmdSetOnline(false)},
	{name: "auth", help: "Pair the WhatsApp account by QR code", watch: true, run: cmdAuth},
	{name: "chats", help: "List chats", run: cmdChats},
	{name: "create-chat", args: "<user-id>...", help: "Create (or find) a chat with participants", run: cmdCreateChat},
	{name: "messages", args: "[--limit n] [--before ts:id] <chat-id>", help: "List messages of a chat", run: cmdMessages},
	{name: "search", args: "[--chat id] [--limit n] <query>", help: "Search message text", run: cmdSearch},
	{name: "send", args: "[--reply-to id] [--media ref --media-kind k] [--id id] <chat-id> [text]", help: "Send a message", run: cmdSend},
	{name: "edit", args: "<message-id> <text>", help: "Edit one of your messages", run: cmdEdit},
	{name: "delete", args: "<message-id>", help: "Delete one of your messages", run: cmdDelete},
	{name: "react", args: "<message-id> <emoji>", help: "React to a message", run: cmdReact},
	{name: "unreact", args: "<message-id>", help: "Remove your reaction", run: cmdUnreact},
	{name: "read", args: "[--upto message-id] <chat-id>", help: "Mark messages read", run: cmdRead},
	{name: "read-by", args: "<message-id>", help: "Show who has read a message", run: cmdReadBy},
	{name: "forward", args: "<message-id> <chat-id>", help: "Forward a message", run: cmdForward},
	{name: "queue", help: "List queued mutations", run: cmdQueue},
	{name: "retry", args: "<entry-id>", help: "Retry a failed queue entry", run: cmdRetry},
	{name: "discard", args: "<entry-id>", help: "Discard a failed queue entry", run: cmdDiscard},
	{name: "watch", args: "chats | messages [--limit n] <chat-id>", help: "Stream live updates", watch: true, run: cmdWatch},
}

// parse parses a sub-command's flags and checks the positional count.
func parse(fs *flag.FlagSet, args []string, minArgs, maxArgs int) ([]string, error) {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, errUsage
	}
	rest := fs.Args()
	if len(rest) < minArgs || (maxArgs >= 0 && len(rest) > maxArgs) {
		return nil, errUsage
	}
	return rest, nil
}

func positional(args []string, n int) ([]string, error) {
	return parse(flag.NewFlagSet("", flag.ContinueOnError), args, n, n)
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func printStatus(out *printer, st *api.StatusResponse) {
	out.print(st, func(w io.Writer) {
		fmt.Fprintf(w, "Session:   %s\n", st.Session)
		fmt.Fprintf(w, "User:      %s\n", st.Self)
		fmt.Fprintf(w, "State:     %s\n", st.State)
		fmt.Fprintf(w, "Transport: %s\n", st.Transport)
		fmt.Fprintf(w, "Queue:     %d pending, %d failed\n", st.QueuePending, st.QueueFailed)
		fmt.Fprintf(w, "Uptime:    %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
	})
}

func printChats(w io.Writer, chats []api.Chat) {
	if len(chats) == 0 {
		fmt.Fprintln(w, "No chats.")
		return
	}
	for _, c := range chats {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		fmt.Fprintf(w, "%-40s %s%s\n", c.ID, formatTime(c.LastMessageTime), unread)
		fmt.Fprintf(w, "    %s: %s\n", strings.Join(c.Participants, ", "), c.LastMessage)
	}
}

func printMessage(w io.Writer, m *api.Message) {
	var flags []string
	if m.IsEdited {
		flags = append(flags, "edited")
	}
	if m.ForwardedFrom != "" {
		flags = append(flags, "forwarded")
	}
	if m.DeliveryFailed {
		flags = append(flags, "FAILED")
	}
	body := m.Text
	switch {
	case m.IsDeleted:
		body = "[deleted]"
	case body == "" && m.MediaRef != "":
		body = "[" + m.MediaKind + "] " + m.MediaRef
	}
	fmt.Fprintf(w, "%s  %-20s %s", formatTime(m.Timestamp), m.SenderID, body)
	if len(flags) > 0 {
		fmt.Fprintf(w, "  (%s)", strings.Join(flags, ", "))
	}
	fmt.Fprintf(w, "  [%s] %s\n", m.Status, m.ID)
	if m.ResponseID != "" {
		fmt.Fprintf(w, "    > %s: %s\n", m.ResponseTo, m.ResponseText)
	}
	for _, r := range m.Reactions {
		fmt.Fprintf(w, "    %s %s\n", r.Emoji, r.UserID)
	}
}

func printMessages(w io.Writer, msgs []api.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for i := range msgs {
		printMessage(w, &msgs[i])
	}
}

func cmdStatus(ctx context.Context, c *client.Client, out *printer, args []string) error {
	if _, err := positional(args, 0); err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}
	printStatus(out, st)
	return nil
}

func cmdSetOnline(online bool) func(context.Context, *client.Client, *printer, []string) error {
	return func(ctx context.Context, c *client.Client, out *printer, args []string) error {
		if _, err := positional(args, 0); err != nil {
			return err
		}
		st, err := c.SetOnline(ctx, online)
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	}
}

func cmdAuth(ctx context.Context, c *client.Client, out *printer, args []string) error {
	if _, err := positional(args, 0); err != nil {
		return err
	}
	return c.StartAuth(ctx, func(evt *api.AuthEvent) error {
		out.print(evt, func(w io.Writer) {
			if evt.QRCode == "" {
				fmt.Fprintf(w, "%s: %s\n", evt.Type, evt.Message)
				return
			}
			qr, err := renderQR(evt.QRCode)
			if err != nil {
				fmt.Fprintf(w, "QR generation failed: %v\ncode: %s\n", err, evt.QRCode)
				return
			}
			fmt.Fprintf(w, "Scan with WhatsApp > Linked devices:\n\n%s\n", qr)
		})
		return nil
	})
}

func cmdChats(ctx context.Context, c *client.Client, out *printer, args []string) error {
	if _, err := positional(args, 0); err != nil {
		return err
	}
	resp, err := c.ListChats(ctx)
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { printChats(w, resp.Chats) })
	return nil
}

func cmdCreateChat(ctx context.Context, c *client.Client, out *printer, args []string) error {
	ids, err := parse(flag.NewFlagSet("create-chat", flag.ContinueOnError), args, 1, -1)
	if err != nil {
		return err
	}
	resp, err := c.CreateChat(ctx, &api.CreateChatRequest{Participants: ids})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { fmt.Fprintln(w, resp.Chat.ID) })
	return nil
}

// parseCursor reads a "timestamp:id" cursor as printed by messages.
func parseCursor(s string) (*api.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	ts, id, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errUsage
	}
	var cur api.Cursor
	if _, err := fmt.Sscan(ts, &cur.Timestamp); err != nil {
		return nil, errUsage
	}
	cur.ID = id
	return &cur, nil
}

func cmdMessages(ctx context.Context, c *client.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("messages", flag.ContinueOnError)
	limit := fs.Int("limit", 0, "page size")
	before := fs.String("before", "", "cursor from a previous page")
	rest, err := parse(fs, args, 1, 1)
	if err != nil {
		return err
	}
	cur, err := parseCursor(*before)
	if err != nil {
		return err
	}
	resp, err := c.ListMessages(ctx, &api.ListMessagesRequest{ChatID: rest[0], Before: cur, Limit: *limit})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) {
		printMessages(w, resp.Messages)
		if resp.Next != nil {
			fmt.Fprintf(w, "more: --before %d:%s\n", resp.Next.Timestamp, resp.Next.ID)
		}
	})
	return nil
}

func cmdSearch(ctx context.Context, c *client.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	chat := fs.String("chat", "", "restrict to one chat")
	limit := fs.Int("limit", 0, "maximum results")
	rest, err := parse(fs, args, 1, -1)
	if err != nil {
		return err
	}
	resp, err := c.Search(ctx, &api.SearchRequest{Query: strings.Join(rest, " "), ChatID: *chat, Limit: *limit})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { printMessages(w, resp.Messages) })
	return nil
}

func cmdSend(ctx context.Context, c *client.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	replyTo := fs.String("reply-to", "", "message id to reply to")
	media := fs.String("media", "", "media reference")
	mediaKind := fs.String("media-kind", "", "media kind, e.g. image")
	id := fs.String("id", "", "client message id, for idempotent retries")
	rest, err := parse(fs, args, 1, -1)
	if err != nil {
		return err
	}
	resp, err := c.SendMessage(ctx, &api.SendMessageRequest{
		ID:        *id,
		ChatID:    rest[0],
		Text:      strings.Join(rest[1:], " "),
		MediaRef:  *media,
		MediaKind: *mediaKind,
		ReplyTo:   *replyTo,
	})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { printMessage(w, &resp.Message) })
	return nil
}

func cmdEdit(ctx context.Context, c *client.Client, out *printer, args []string) error {
	rest, err := parse(flag.NewFlagSet("edit", flag.ContinueOnError), args, 2, -1)
	if err != nil {
		return err
	}
	resp, err := c.EditMessage(ctx, &api.EditMessageRequest{MessageID: rest[0], Text: strings.Join(rest[1:], " ")})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { printMessage(w, &resp.Message) })
	return nil
}

func cmdDelete(ctx context.Context, c *client.Client, out *printer, args []string) error {
	rest, err := positional(args, 1)
	if err != nil {
		return err
	}
	resp, err := c.DeleteMessage(ctx, &api.DeleteMessageRequest{MessageID: rest[0]})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { printMessage(w, &resp.Message) })
	return nil
}

func cmdReact(ctx context.Context, c *client.Client, out *printer, args []string) error {
	rest, err := positional(args, 2)
	if err != nil {
		return err
	}
	resp, err := c.AddReaction(ctx, &api.ReactionRequest{MessageID: rest[0], Emoji: rest[1]})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { fmt.Fprintf(w, "%s on %s\n", resp.Reaction.Emoji, resp.Reaction.MessageID) })
	return nil
}

func cmdUnreact(ctx context.Context, c *client.Client, out *printer, args []string) error {
	rest, err := positional(args, 1)
	if err != nil {
		return err
	}
	if err := c.RemoveReaction(ctx, &api.ReactionRequest{MessageID: rest[0]}); err != nil {
		return err
	}
	out.print(api.Empty{}, func(w io.Writer) { fmt.Fprintln(w, "Reaction removed.") })
	return nil
}

func cmdRead(ctx context.Context, c *client.Client, out *printer, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	upto := fs.String("upto", "", "last message id to mark")
	rest, err := parse(fs, args, 1, 1)
	if err != nil {
		return err
	}
	resp, err := c.MarkRead(ctx, &api.MarkReadRequest{ChatID: rest[0], UptoMessageID: *upto})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { fmt.Fprintf(w, "%d message(s) now read.\n", len(resp.Read)) })
	return nil
}

func cmdReadBy(ctx context.Context, c *client.Client, out *printer, args []string) error {
	rest, err := positional(args, 1)
	if err != nil {
		return err
	}
	resp, err := c.ReadBy(ctx, rest[0])
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) {
		if len(resp.Users) == 0 {
			fmt.Fprintln(w, "Not read by anyone yet.")
			return
		}
		for _, u := range resp.Users {
			fmt.Fprintln(w, u)
		}
	})
	return nil
}

func cmdForward(ctx context.Context, c *client.Client, out *printer, args []string) error {
	rest, err := positional(args, 2)
	if err != nil {
		return err
	}
	resp, err := c.ForwardMessage(ctx, &api.ForwardMessageRequest{MessageID: rest[0], ToChatID: rest[1]})
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { printMessage(w, &resp.Message) })
	return nil
}

func cmdQueue(ctx context.Context, c *client.Client, out *printer, args []string) error {
	if _, err := positional(args, 0); err != nil {
		return err
	}
	resp, err := c.ListQueue(ctx)
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) {
		if len(resp.Entries) == 0 {
			fmt.Fprintln(w, "Queue is empty.")
			return
		}
		for _, e := range resp.Entries {
			fmt.Fprintf(w, "%s  %-10s %-8s attempts=%d chat=%s", e.ID, e.Kind, e.State, e.Attempts, e.ChatID)
			if e.LastError != "" {
				fmt.Fprintf(w, "  error=%q", e.LastError)
			}
			fmt.Fprintln(w)
		}
	})
	return nil
}

func cmdRetry(ctx context.Context, c *client.Client, out *printer, args []string) error {
	rest, err := positional(args, 1)
	if err != nil {
		return err
	}
	resp, err := c.RetryEntry(ctx, rest[0])
	if err != nil {
		return err
	}
	out.print(resp, func(w io.Writer) { fmt.Fprintf(w, "%s requeued (%s).\n", resp.Entry.ID, resp.Entry.State) })
	return nil
}

func cmdDiscard(ctx context.Context, c *client.Client, out *printer, args []string) error {
	rest, err := positional(args, 1)
	if err != nil {
		return err
	}
	if err := c.DiscardEntry(ctx, rest[0]); err != nil {
		return err
	}
	out.print(api.Empty{}, func(w io.Writer) { fmt.Fprintf(w, "%s discarded.\n", rest[0]) })
	return nil
}

func cmdWatch(ctx context.Context, c *client.Client, out *printer, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "chats":
		if _, err := positional(args[1:], 0); err != nil {
			return err
		}
		return ignoreCancel(ctx, c.WatchChats(ctx, func(u *api.ChatListUpdate) error {
			out.print(u, func(w io.Writer) {
				fmt.Fprintf(w, "--- %s\n", time.Now().Format(time.TimeOnly))
				printChats(w, u.Chats)
			})
			return nil
		}))
	case "messages":
		fs := flag.NewFlagSet("watch messages", flag.ContinueOnError)
		limit := fs.Int("limit", 20, "messages per snapshot")
		rest, err := parse(fs, args[1:], 1, 1)
		if err != nil {
			return err
		}
		req := &api.WatchMessagesRequest{ChatID: rest[0], Limit: *limit}
		return ignoreCancel(ctx, c.WatchMessages(ctx, req, func(u *api.MessagesUpdate) error {
			out.print(u, func(w io.Writer) {
				fmt.Fprintf(w, "--- %s\n", time.Now().Format(time.TimeOnly))
				printMessages(w, u.Messages)
			})
			return nil
		}))
	default:
		return errUsage
	}
}

// ignoreCancel treats an interrupted watch as a clean exit.
func ignoreCancel(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
