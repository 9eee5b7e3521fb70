package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"digestbot/internal/tenant"
)

// DigestCommands returns the command set operating on the tenant store.
// The chat a command arrives in is the tenant; the forum thread it arrives
// in is the default channel argument.
func DigestCommands(store *tenant.Store) []Command {
	return []Command{
		{
			Route:       "add_channel",
			Description: "monitor this thread (or a thread by id) for digests",
			Usage:       "/add_channel [thread_id]",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				ch, err := channelArg(req)
				if err != nil {
					req.Reply(ctx, err.Error())
					return nil
				}
				added, err := store.AddChannel(tenant.ID(req.Chat.ChatID), ch)
				if err != nil {
					return err
				}
				if !added {
					req.Reply(ctx, fmt.Sprintf("channel %d is already monitored", ch))
					return nil
				}
				req.Reply(ctx, fmt.Sprintf("now monitoring channel %d", ch))
				return nil
			},
		},
		{
			Route:       "remove_channel",
			Description: "stop monitoring this thread (or a thread by id)",
			Usage:       "/remove_channel [thread_id]",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				ch, err := channelArg(req)
				if err != nil {
					req.Reply(ctx, err.Error())
					return nil
				}
				removed, err := store.RemoveChannel(tenant.ID(req.Chat.ChatID), ch)
				if err != nil {
					return err
				}
				if !removed {
					req.Reply(ctx, fmt.Sprintf("channel %d was not monitored", ch))
					return nil
				}
				req.Reply(ctx, fmt.Sprintf("stopped monitoring channel %d", ch))
				return nil
			},
		},
		{
			Route:       "set_interval",
			Description: "set the digest interval in minutes",
			Usage:       "/set_interval <minutes>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					req.Reply(ctx, "usage: /set_interval <minutes>")
					return nil
				}
				minutes, err := strconv.Atoi(req.Args[0])
				if err != nil {
					req.Reply(ctx, "interval must be a whole number of minutes")
					return nil
				}
				if err := store.SetInterval(tenant.ID(req.Chat.ChatID), minutes); err != nil {
					if errors.Is(err, tenant.ErrBadInterval) {
						req.Reply(ctx, "interval must be at least 1 minute")
						return nil
					}
					return err
				}
				req.Reply(ctx, fmt.Sprintf("digest interval set to %d minutes", minutes))
				return nil
			},
		},
		{
			Route:       "add_emails",
			Description: "add digest recipients (comma or space separated)",
			Usage:       "/add_emails <addr> [addr...]",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				addrs := tenant.SplitRecipientList(strings.Join(req.Args, " "))
				if len(addrs) == 0 {
					req.Reply(ctx, "usage: /add_emails <addr> [addr...]")
					return nil
				}
				added, rejected, err := store.AddRecipients(tenant.ID(req.Chat.ChatID), addrs)
				if err != nil {
					return err
				}
				var b strings.Builder
				if len(added) > 0 {
					fmt.Fprintf(&b, "added: %s", strings.Join(added, ", "))
				}
				if len(rejected) > 0 {
					if b.Len() > 0 {
						b.WriteByte('\n')
					}
					fmt.Fprintf(&b, "invalid: %s", strings.Join(rejected, ", "))
				}
				if b.Len() == 0 {
					b.WriteString("no new recipients")
				}
				req.Reply(ctx, b.String())
				return nil
			},
		},
		{
			Route:       "remove_emails",
			Description: "remove digest recipients",
			Usage:       "/remove_emails <addr> [addr...]",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				addrs := tenant.SplitRecipientList(strings.Join(req.Args, " "))
				if len(addrs) == 0 {
					req.Reply(ctx, "usage: /remove_emails <addr> [addr...]")
					return nil
				}
				removed, err := store.RemoveRecipients(tenant.ID(req.Chat.ChatID), addrs)
				if err != nil {
					return err
				}
				req.Reply(ctx, fmt.Sprintf("removed %d recipient(s)", removed))
				return nil
			},
		},
		{
			Route:       "show_config",
			Description: "show this chat's digest configuration",
			Usage:       "/show_config",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				cfg, ok := store.Get(tenant.ID(req.Chat.ChatID))
				if !ok {
					req.Reply(ctx, "no digest configuration for this chat yet")
					return nil
				}
				req.Reply(ctx, formatConfig(cfg))
				return nil
			},
		},
	}
}

// channelArg resolves the channel operand: an explicit numeric argument
// wins, otherwise the thread the command was sent in.
func channelArg(req *Request) (tenant.ChannelID, error) {
	if len(req.Args) > 0 {
		n, err := strconv.ParseInt(req.Args[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("thread id must be a number, got %q", req.Args[0])
		}
		return tenant.ChannelID(n), nil
	}
	return tenant.ChannelID(req.Chat.ThreadID), nil
}

func formatConfig(cfg tenant.Config) string {
	var b strings.Builder
	b.WriteString("Digest configuration:\n")

	chans := make([]string, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		chans = append(chans, strconv.FormatInt(int64(ch), 10))
	}
	if len(chans) == 0 {
		b.WriteString("channels: none\n")
	} else {
		fmt.Fprintf(&b, "channels: %s\n", strings.Join(chans, ", "))
	}

	fmt.Fprintf(&b, "interval: %d minutes\n", cfg.IntervalMinutes)

	if len(cfg.Recipients) == 0 {
		b.WriteString("recipients: none\n")
	} else {
		fmt.Fprintf(&b, "recipients: %s\n", strings.Join(cfg.Recipients, ", "))
	}

	if cfg.LastDigestAt == nil {
		b.WriteString("last digest: never")
	} else {
		fmt.Fprintf(&b, "last digest: %s", cfg.LastDigestAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	return b.String()
}
